// Package pubsub builds the AMQP publishers and subscribers backing
// the cluster channels. Each channel is a fanout exchange named after
// the channel; every node binds one non-durable, node-local queue per
// channel so all nodes see every event. A node that restarts simply
// misses what flew by, which is fine: affected clients heal through
// reconnect-time sync.
package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/chatwire/im-gateway/config"
)

// Provider hands out broker endpoints bound to this node.
type Provider struct {
	cfg    *config.Config
	logger watermill.LoggerAdapter
}

func NewProvider(cfg *config.Config, logger watermill.LoggerAdapter) *Provider {
	return &Provider{cfg: cfg, logger: logger}
}

// Publisher returns a publisher whose topics map to fanout exchanges.
func (p *Provider) Publisher() (message.Publisher, error) {
	pub, err := amqp.NewPublisher(p.config(""), p.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build publisher: %w", err)
	}
	return pub, nil
}

// Subscriber returns a subscriber consuming from this node's private
// queues. The suffix keeps queue names unique per node and handler.
func (p *Provider) Subscriber(suffix string) (message.Subscriber, error) {
	sub, err := amqp.NewSubscriber(p.config(suffix), p.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build subscriber %q: %w", suffix, err)
	}
	return sub, nil
}

func (p *Provider) config(suffix string) amqp.Config {
	qualifier := "." + p.cfg.Service.Name + "." + p.cfg.Service.NodeID
	if suffix != "" {
		qualifier += "." + suffix
	}
	return amqp.NewNonDurablePubSubConfig(
		p.cfg.AMQP.URI,
		amqp.GenerateQueueNameTopicNameWithSuffix(qualifier),
	)
}
