// Package rpc holds the HTTP adapters for the external collaborators: the
// payload mapper, target transports and TCC participants.
package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vietddude/controltower/internal/telemetry/metrics"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

// StatusError is a non-2xx HTTP response. It carries the status code so the
// error classifier can map it to a failure category.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// BreakerConfig configures the per-endpoint circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Client is a JSON-over-HTTP client with one circuit breaker per endpoint.
type Client struct {
	httpClient *http.Client
	breakerCfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a client. Deadlines come from the caller's context;
// timeout is an upper bound for calls made without one.
func NewClient(timeout time.Duration, breakerCfg BreakerConfig) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breakerCfg: breakerCfg,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the breaker for endpoint, creating it on first use.
func (c *Client) breaker(endpoint string) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[endpoint]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok = c.breakers[endpoint]; ok {
		return cb
	}

	cfg := c.breakerCfg
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Client errors mean the endpoint is up; only transport failures and 5xx trip.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil
		},
	})
	c.breakers[endpoint] = cb
	return cb
}

// BreakerState reports the breaker state of endpoint.
func (c *Client) BreakerState(endpoint string) gobreaker.State {
	return c.breaker(endpoint).State()
}

type response struct {
	status int
	body   []byte
}

// Post sends body as JSON to url through the breaker of breakerKey.
// Non-2xx responses are returned as *StatusError.
func (c *Client) Post(ctx context.Context, breakerKey, url string, headers map[string]string, body []byte) (int, []byte, error) {
	start := time.Now()
	out, err := c.breaker(breakerKey).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("post %s: %w", breakerKey, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		}
		return response{status: resp.StatusCode, body: data}, nil
	})

	result := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
		err = fmt.Errorf("%s unavailable (circuit breaker open): %w", breakerKey, err)
	case err != nil:
		result = "error"
	}
	metrics.TransportLatency.WithLabelValues(breakerKey, result).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, nil, err
	}
	r := out.(response)
	return r.status, r.body, nil
}
