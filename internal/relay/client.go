// Package relay bridges the offer/answer exchange through a remote
// key/value store when direct copy/paste is not used. The relay is
// stateless between calls; every operation here is idempotent from the
// caller's perspective.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrRelayUnavailable covers failed health checks and failed
// publish/poll round-trips. Callers surface it as an invitation to fall
// back to manual exchange.
var ErrRelayUnavailable = errors.New("relay unavailable")

const (
	// DefaultPollInterval is the fixed delay between poll attempts.
	DefaultPollInterval = 3 * time.Second
	// DefaultPrefix is the path prefix the relay serves under.
	DefaultPrefix = "sig"

	defaultTimeout = 10 * time.Second
)

// NewRoomID generates the room identifier shared out-of-band with
// participants. Stable for the life of a session.
func NewRoomID() string {
	return strings.Split(uuid.NewString(), "-")[0]
}

// Config holds the relay endpoint settings.
type Config struct {
	BaseURL      string
	Prefix       string        // empty means DefaultPrefix
	PollInterval time.Duration // zero means DefaultPollInterval
	Timeout      time.Duration // per-request timeout, zero means 10s
}

// Client talks to one relay room.
type Client struct {
	baseURL string
	prefix  string
	room    string
	poll    time.Duration
	http    *http.Client

	mu      sync.Mutex
	polling bool
	stop    chan struct{}
}

// NewClient creates a relay client bound to a room.
func NewClient(cfg Config, room string) *Client {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		prefix:  prefix,
		room:    room,
		poll:    poll,
		http:    &http.Client{Timeout: timeout},
	}
}

// Room returns the room identifier this client targets.
func (c *Client) Room() string {
	return c.room
}

func (c *Client) url(resource string) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.baseURL, c.prefix, c.room, resource)
}

// CheckHealth performs the two-tier health pre-check: the service-level
// endpoint and the room-level endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	for _, u := range []string{
		fmt.Sprintf("%s/%s/health", c.baseURL, c.prefix),
		c.url("health"),
	} {
		if err := c.expectOK(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) expectOK(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check %s returned %d", ErrRelayUnavailable, u, resp.StatusCode)
	}
	return nil
}

// PublishOffer health-checks the relay and stores the offer under the
// room. On any failure no polling should be started.
func (c *Client) PublishOffer(ctx context.Context, payload []byte) error {
	if err := c.CheckHealth(ctx); err != nil {
		return err
	}
	return c.put(ctx, "offer", payload)
}

// PublishAnswer stores the answer under the room.
func (c *Client) PublishAnswer(ctx context.Context, payload []byte) error {
	return c.put(ctx, "answer", payload)
}

func (c *Client) put(ctx context.Context, resource string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(resource), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: put %s returned %d", ErrRelayUnavailable, resource, resp.StatusCode)
	}
	return nil
}

// FetchAnswer performs one fetch-and-clear on the answer slot. ok is
// false when no answer has been stored yet (204).
func (c *Client) FetchAnswer(ctx context.Context) (payload []byte, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("answer"), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, false, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		if len(body) == 0 {
			return nil, false, nil
		}
		return body, true, nil
	default:
		return nil, false, fmt.Errorf("%w: fetch answer returned %d", ErrRelayUnavailable, resp.StatusCode)
	}
}

// StartAnswerPolling polls the answer slot on the fixed interval and
// hands every received answer to onAnswer. At most one polling loop is
// active per client; starting a second is a no-op.
func (c *Client) StartAnswerPolling(ctx context.Context, onAnswer func(payload []byte)) {
	c.mu.Lock()
	if c.polling {
		c.mu.Unlock()
		return
	}
	c.polling = true
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.polling = false
			c.mu.Unlock()
		}()

		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				payload, ok, err := c.FetchAnswer(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("answer poll failed")
					continue
				}
				if ok {
					log.Info().Str("room", c.room).Msg("answer received from relay")
					onAnswer(payload)
				}
			}
		}
	}()
}

// StopPolling halts the answer polling loop. Idempotent.
func (c *Client) StopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.polling || c.stop == nil {
		return
	}
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// FetchOffer health-checks the relay and polls the offer slot until a
// payload is published. A 404 or an empty body just means "not yet".
func (c *Client) FetchOffer(ctx context.Context) ([]byte, error) {
	if err := c.CheckHealth(ctx); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		payload, ok, err := c.tryFetchOffer(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Info().Str("room", c.room).Msg("offer received from relay")
			return payload, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) tryFetchOffer(ctx context.Context) (payload []byte, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("offer"), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, false, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		if len(body) == 0 {
			return nil, false, nil
		}
		return body, true, nil
	default:
		return nil, false, fmt.Errorf("%w: fetch offer returned %d", ErrRelayUnavailable, resp.StatusCode)
	}
}
