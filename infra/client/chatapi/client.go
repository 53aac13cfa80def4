// Package chatapi is the typed client for the HTTP persistence
// service. Every call carries the internal-service headers naming the
// gateway and the acting (userId, deviceId). Reads retry with
// exponential backoff because they are idempotent; writes go out
// exactly once and failures surface to the handler for an explicit
// re-drive. A shared circuit breaker sheds load while the service is
// down.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/chatwire/im-gateway/config"
	"github.com/chatwire/im-gateway/internal/domain/model"
)

const (
	headerService = "X-Internal-Service"
	headerUserID  = "X-User-Id"
	headerDevice  = "X-Device-Id"

	readMaxTries = 3
)

type Client struct {
	http    *http.Client
	baseURL string
	service string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "chat-api",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && counts.TotalFailures*2 > counts.Requests
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// 4xx rejections are the service answering, not failing.
			var apiErr *APIError
			return errors.As(err, &apiErr)
		},
	})
	return &Client{
		http:    &http.Client{Timeout: cfg.API.Timeout},
		baseURL: cfg.API.BaseURL,
		service: cfg.Service.Name,
		timeout: cfg.API.Timeout,
		breaker: breaker,
		logger:  logger.With("component", "chatapi"),
	}
}

// PersistMessage stores a chat message and returns its canonical id.
// Write: never retried here.
func (c *Client) PersistMessage(ctx context.Context, userID int64, deviceID string, req *PersistMessageRequest) (*PersistResult, error) {
	var res PersistResult
	if err := c.call(ctx, http.MethodPost, "/internal/messages", userID, deviceID, req, &res, false); err != nil {
		return nil, err
	}
	return &res, nil
}

// RecallMessage asks the service to recall a message. Ownership and the
// recall time window are enforced there; a rejection comes back as an
// *APIError carrying a client-readable reason.
func (c *Client) RecallMessage(ctx context.Context, userID int64, deviceID, msgID string) error {
	var res recallResponse
	path := "/internal/messages/" + url.PathEscape(msgID) + "/recall"
	if err := c.call(ctx, http.MethodPost, path, userID, deviceID, nil, &res, false); err != nil {
		return err
	}
	if !res.Success {
		return &APIError{Status: http.StatusConflict, Reason: res.Reason}
	}
	return nil
}

// UpdateReadCursor advances the read cursor; later cursors win
// server-side, so the call is idempotent and safe to re-drive.
func (c *Client) UpdateReadCursor(ctx context.Context, userID int64, deviceID string, conversationID int64, lastReadMsgID string) (*ReadCursorResult, error) {
	body := map[string]any{"lastReadMsgId": lastReadMsgID}
	var res ReadCursorResult
	path := fmt.Sprintf("/internal/conversations/%d/read-cursor", conversationID)
	if err := c.call(ctx, http.MethodPut, path, userID, deviceID, body, &res, true); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetParticipants resolves the members of a conversation. Read.
func (c *Client) GetParticipants(ctx context.Context, conversationID int64) ([]int64, error) {
	var res participantsResponse
	path := fmt.Sprintf("/internal/conversations/%d/participants", conversationID)
	if err := c.call(ctx, http.MethodGet, path, 0, "", nil, &res, true); err != nil {
		return nil, err
	}
	return res.UserIDs, nil
}

// GetMessagesForSync returns conversation history after afterMsgID, in
// ascending server order. Read.
func (c *Client) GetMessagesForSync(ctx context.Context, userID int64, deviceID string, conversationID int64, afterMsgID string, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	if afterMsgID != "" {
		q.Set("after", afterMsgID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res syncResponse
	path := fmt.Sprintf("/internal/conversations/%d/messages", conversationID)
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.call(ctx, http.MethodGet, path, userID, deviceID, nil, &res, true); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// GetPendingOffline lists undelivered offline rows for the calling
// device, ordered by createdAt ascending. Read.
func (c *Client) GetPendingOffline(ctx context.Context, userID int64, deviceID string, limit int) ([]model.OfflineMessage, error) {
	var res pendingOfflineResponse
	path := "/internal/offline?limit=" + strconv.Itoa(limit)
	if err := c.call(ctx, http.MethodGet, path, userID, deviceID, nil, &res, true); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// AckOffline marks rows delivered, keyed by the message ids the client
// echoed back (the replay payload never exposes queue row ids).
// Duplicate acks are a server-side no-op, but the call itself is a
// write and is not retried here.
func (c *Client) AckOffline(ctx context.Context, userID int64, deviceID string, messageIDs []string) error {
	body := map[string]any{"messageIds": messageIDs}
	return c.call(ctx, http.MethodPost, "/internal/offline/ack", userID, deviceID, body, nil, false)
}

// EnqueueOffline inserts an offline row for a recipient with no live
// session at publish time. The existence predicate on
// (targetUserId, messageId) keeps concurrent publishers from
// duplicating rows.
func (c *Client) EnqueueOffline(ctx context.Context, userID int64, deviceID string, req *EnqueueOfflineRequest) error {
	return c.call(ctx, http.MethodPost, "/internal/offline", userID, deviceID, req, nil, false)
}

func (c *Client) call(ctx context.Context, method, path string, userID int64, deviceID string, body, out any, idempotent bool) error {
	var raw []byte
	var err error

	if idempotent {
		op := func() ([]byte, error) {
			data, opErr := c.roundTrip(ctx, method, path, userID, deviceID, body)
			if opErr != nil {
				var apiErr *APIError
				if errors.As(opErr, &apiErr) {
					// A definitive rejection: retrying cannot change it.
					return nil, backoff.Permanent(opErr)
				}
				return nil, opErr
			}
			return data, nil
		}
		raw, err = backoff.Retry(ctx, op,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(readMaxTries),
		)
	} else {
		raw, err = c.roundTrip(ctx, method, path, userID, deviceID, body)
	}
	if err != nil {
		return err
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("chat api: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, userID int64, deviceID string, body any) ([]byte, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("chat api: encode request: %w", err)
			}
			reader = bytes.NewReader(buf)
		}

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("chat api: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerService, c.service)
		if userID != 0 {
			req.Header.Set(headerUserID, strconv.FormatInt(userID, 10))
		}
		if deviceID != "" {
			req.Header.Set(headerDevice, deviceID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			reason := "request rejected"
			var er errorResponse
			if json.Unmarshal(raw, &er) == nil && er.Error != "" {
				reason = er.Error
			}
			return nil, &APIError{Status: resp.StatusCode, Reason: reason}
		}
		return raw, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return res.([]byte), nil
}
