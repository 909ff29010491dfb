package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/target/mmk-dispatch/internal/core"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// IdempotencyHeader carries core.Message.IdempotencyKey so the gateway can drop replays.
const IdempotencyHeader = "Idempotency-Key"

// Transport calls POST {base}/messages.
//
// The gateway answers {"status": "delivered" | "bounced" | "throttled"}. A 429 reply
// means throttled, any other 4xx means the message bounced, and a 5xx or network error
// leaves the outcome unknown.
type Transport struct {
	c *client
}

// NewTransport builds a transport client.
func NewTransport(cfg Config) (*Transport, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return &Transport{c: c}, nil
}

var _ core.Transport = (*Transport)(nil)

type deliverResponse struct {
	Status core.TransportStatus `json:"status"`
}

// Deliver sends one message.
func (t *Transport) Deliver(ctx context.Context, msg core.Message) (core.TransportStatus, error) {
	var headers map[string]string
	if msg.IdempotencyKey != "" {
		headers = map[string]string{IdempotencyHeader: msg.IdempotencyKey}
	}

	body, err := t.c.post(ctx, "/messages", msg, headers)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			switch {
			case se.Status == http.StatusTooManyRequests:
				return core.TransportThrottled, nil
			case se.Status == http.StatusRequestTimeout:
			case se.Status >= 400 && se.Status < 500:
				return core.TransportBounced, nil
			}
			return "", apperrors.Wrap(se, apperrors.ErrCodeUnavailable, "transport unavailable")
		}
		return "", err
	}

	var resp deliverResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode transport response")
	}
	switch resp.Status {
	case core.TransportDelivered, core.TransportBounced, core.TransportThrottled:
		return resp.Status, nil
	default:
		return "", apperrors.Internalf("transport returned unknown status %q", resp.Status)
	}
}
