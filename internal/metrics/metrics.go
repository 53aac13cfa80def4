// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_gateway_sessions",
		Help: "Authenticated sessions currently attached to this node.",
	})

	LocalUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_gateway_online_users_local",
		Help: "Distinct users with at least one session on this node.",
	})

	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_frames_in_total",
		Help: "Inbound client frames by packet type.",
	}, []string{"type"})

	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_frames_out_total",
		Help: "Outbound server frames by packet type.",
	}, []string{"type"})

	FanoutDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_fanout_total",
		Help: "Frames delivered by the fan-out engine, by cluster event.",
	}, []string{"event"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_events_consumed_total",
		Help: "Broker deliveries processed by this node, by outcome.",
	}, []string{"outcome"})

	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_protocol_violations_total",
		Help: "Malformed, oversized or unknown-type frames.",
	})

	Kicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_kicked_total",
		Help: "Sessions displaced by a duplicate (userId, deviceId) login.",
	})

	OfflineEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_offline_enqueued_total",
		Help: "Offline rows requested for recipients with no live session.",
	})

	OfflineReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_offline_replayed_total",
		Help: "Offline messages replayed to reconnecting devices.",
	})
)
