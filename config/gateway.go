package config

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// GatewayConfig points the renderer and transport clients at their HTTP gateways.
type GatewayConfig struct {
	RendererURL  string        `env:"GATEWAY_RENDERER_URL"`
	TransportURL string        `env:"GATEWAY_TRANSPORT_URL"`
	AuthToken    string        `env:"GATEWAY_AUTH_TOKEN"`
	Timeout      time.Duration `env:"GATEWAY_TIMEOUT"       envDefault:"30s"`
}

// Sanitize normalises gateway configuration values.
func (g *GatewayConfig) Sanitize() {
	g.RendererURL = strings.TrimRight(strings.TrimSpace(g.RendererURL), "/")
	g.TransportURL = strings.TrimRight(strings.TrimSpace(g.TransportURL), "/")
	g.AuthToken = strings.TrimSpace(g.AuthToken)
	if g.Timeout <= 0 {
		g.Timeout = 30 * time.Second
	}
}

// Validate requires both endpoints to be absolute http(s) URLs.
func (g *GatewayConfig) Validate() error {
	if g.RendererURL == "" {
		return errors.New("GATEWAY_RENDERER_URL is required when the scheduler is enabled")
	}
	if g.TransportURL == "" {
		return errors.New("GATEWAY_TRANSPORT_URL is required when the scheduler is enabled")
	}
	for _, raw := range []string{g.RendererURL, g.TransportURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("gateway URL " + raw + " must be an absolute http(s) URL")
		}
	}
	return nil
}
