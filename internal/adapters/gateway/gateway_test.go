package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		wantErr bool
	}{
		{name: "empty", base: " ", wantErr: true},
		{name: "relative", base: "/render", wantErr: true},
		{name: "ftp", base: "ftp://files.example.com", wantErr: true},
		{name: "http", base: "http://renderer:8080/"},
		{name: "https", base: "https://send.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRenderer(Config{BaseURL: tt.base})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRendererRender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/render", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req core.RenderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "job-1", req.JobID)
		assert.Equal(t, model.JobKindExport, req.Kind)

		_, _ = w.Write([]byte("id,name\n1,alice\n"))
	}))
	defer srv.Close()

	r, err := NewRenderer(Config{BaseURL: srv.URL + "/", AuthToken: " secret "})
	require.NoError(t, err)

	out, err := r.Render(context.Background(), core.RenderRequest{
		JobID: "job-1",
		RunID: "run-1",
		Kind:  model.JobKindExport,
	})
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,alice\n", string(out))
}

func TestRendererErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{name: "bad params", status: http.StatusUnprocessableEntity, body: "unknown column", check: apperrors.IsValidation},
		{name: "overloaded", status: http.StatusServiceUnavailable, check: apperrors.IsUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests, check: apperrors.IsUnavailable},
		{name: "empty artifact", status: http.StatusOK, check: func(err error) bool {
			return apperrors.GetCode(err) == apperrors.ErrCodeInternal
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			r, err := NewRenderer(Config{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = r.Render(context.Background(), core.RenderRequest{JobID: "job-1"})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
			if tt.body != "" {
				assert.Contains(t, err.Error(), tt.body)
			}
		})
	}
}

func TestTransportDeliver(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		want        core.TransportStatus
		wantErr     bool
		unavailable bool
	}{
		{name: "delivered", status: http.StatusOK, body: `{"status":"delivered"}`, want: core.TransportDelivered},
		{name: "bounced body", status: http.StatusOK, body: `{"status":"bounced"}`, want: core.TransportBounced},
		{name: "throttled body", status: http.StatusAccepted, body: `{"status":"throttled"}`, want: core.TransportThrottled},
		{name: "429", status: http.StatusTooManyRequests, want: core.TransportThrottled},
		{name: "invalid recipient", status: http.StatusBadRequest, body: "no such number", want: core.TransportBounced},
		{name: "request timeout", status: http.StatusRequestTimeout, wantErr: true, unavailable: true},
		{name: "server error", status: http.StatusBadGateway, wantErr: true, unavailable: true},
		{name: "unknown status", status: http.StatusOK, body: `{"status":"maybe"}`, wantErr: true},
		{name: "garbage", status: http.StatusOK, body: `not json`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/messages", r.URL.Path)
				assert.Equal(t, "d-1:sms", r.Header.Get(IdempotencyHeader))
				var msg core.Message
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
				assert.Equal(t, model.ChannelSMS, msg.Channel)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			tr, err := NewTransport(Config{BaseURL: srv.URL})
			require.NoError(t, err)

			got, err := tr.Deliver(context.Background(), core.Message{
				IdempotencyKey: "d-1:sms",
				Channel:        model.ChannelSMS,
				Recipient:      "+15550100",
				Payload:        json.RawMessage(`{"text":"hi"}`),
			})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.unavailable, apperrors.IsUnavailable(err), "error %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr, err := NewTransport(Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = tr.Deliver(context.Background(), core.Message{Channel: model.ChannelEmail})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
}

func TestTransportHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr, err := NewTransport(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Deliver(ctx, core.Message{Channel: model.ChannelEmail})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
