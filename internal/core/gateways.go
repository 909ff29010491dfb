package core

import (
	"context"
	"encoding/json"

	"github.com/target/mmk-dispatch/internal/domain/model"
)

// RenderRequest asks the renderer for one artifact.
type RenderRequest struct {
	JobID        string             `json:"job_id"`
	RunID        string             `json:"run_id"`
	Kind         model.JobKind      `json:"kind"`
	TemplateKind string             `json:"template_kind"`
	Params       model.RenderParams `json:"params"`
}

// Renderer produces export and report artifacts.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// TransportStatus is the transport's verdict on one message.
type TransportStatus string

const (
	TransportDelivered TransportStatus = "delivered"
	TransportBounced   TransportStatus = "bounced"
	TransportThrottled TransportStatus = "throttled"
)

// Message is one send request handed to a Transport.
type Message struct {
	IdempotencyKey   string          `json:"idempotency_key"`
	Channel          model.Channel   `json:"channel"`
	Recipient        string          `json:"recipient"`
	NotificationType string          `json:"notification_type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	// ArtifactRef is set when a job run mails its rendered artifact.
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// Transport sends messages over email, SMS or WhatsApp gateways.
// A non-nil error means the outcome is unknown and the send may be retried.
type Transport interface {
	Deliver(ctx context.Context, msg Message) (TransportStatus, error)
}
