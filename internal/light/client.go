// Package light issues the external light-toggle side effect: one
// outbound HTTP call per commanded state, best-effort only.
package light

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 5 * time.Second

// Client calls the operator-configured light endpoint. Toggle never
// blocks the caller and never propagates failure; a stage transition
// must not wait on the light.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient creates a light client. An empty endpoint yields a client
// whose toggles only log (useful when no light is wired up).
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Toggle commands the light on or off. Fire-and-forget: the request
// runs in the background and failures are logged, not returned.
func (c *Client) Toggle(on bool) {
	state := "off"
	if on {
		state = "on"
	}

	if c.endpoint == "" {
		log.Debug().Str("state", state).Msg("no light endpoint configured, toggle skipped")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
		defer cancel()

		if err := c.send(ctx, state); err != nil {
			log.Warn().Err(err).Str("state", state).Msg("light toggle failed")
			return
		}
		log.Debug().Str("state", state).Msg("light toggled")
	}()
}

func (c *Client) send(ctx context.Context, state string) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("parse light endpoint: %w", err)
	}

	q := u.Query()
	q.Set("apikey", c.apiKey)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build light request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("light request: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("light endpoint returned %d", resp.StatusCode)
	}
	return nil
}
