package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/target/mmk-dispatch/internal/core"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// Renderer calls POST {base}/render and returns the response body as the artifact.
type Renderer struct {
	c *client
}

// NewRenderer builds a renderer client.
func NewRenderer(cfg Config) (*Renderer, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("renderer: %w", err)
	}
	return &Renderer{c: c}, nil
}

var _ core.Renderer = (*Renderer)(nil)

// Render asks the gateway for one artifact. A 4xx reply is a validation error: the job's
// render parameters are wrong and retrying will not help.
func (r *Renderer) Render(ctx context.Context, req core.RenderRequest) ([]byte, error) {
	body, err := r.c.post(ctx, "/render", req, nil)
	if err == nil {
		if len(body) == 0 {
			return nil, apperrors.Internalf("renderer returned an empty artifact for job %s", req.JobID)
		}
		return body, nil
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusTooManyRequests || se.Status >= 500:
			return nil, apperrors.Wrap(se, apperrors.ErrCodeUnavailable, "renderer unavailable")
		default:
			return nil, apperrors.Wrap(se, apperrors.ErrCodeValidation, "renderer rejected request")
		}
	}
	return nil, fmt.Errorf("render job %s: %w", req.JobID, err)
}
