// ABOUTME: Dispatcher runs one request against a free backend with random selection.
// ABOUTME: Fails over across the pool and releases each backend on every exit path.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// DefaultPollInterval is how often a waiting caller re-checks the pool.
const DefaultPollInterval = time.Second

// maxErrorBody bounds how much of a failed response is kept in a RequestError.
const maxErrorBody = 512

// Doer performs HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is a successful backend response.
type Result struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used for backend calls.
func WithHTTPClient(client Doer) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithPollInterval sets how often a waiting caller re-checks the pool.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// Dispatcher executes requests against the pool.
type Dispatcher struct {
	pool         *Pool
	client       Doer
	pollInterval time.Duration
	perm         func(n int) []int
	logger       *slog.Logger
}

// NewDispatcher creates a Dispatcher over pool.
func NewDispatcher(pool *Pool, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		pool:         pool,
		client:       http.DefaultClient,
		pollInterval: DefaultPollInterval,
		perm:         rand.Perm,
		logger:       logger.With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Pool returns the pool the dispatcher draws from.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Dispatch sends payload as JSON to path on one free backend and returns
// the first successful response. Busy backends are skipped; failed ones are
// logged and the next candidate is tried.
func (d *Dispatcher) Dispatch(ctx context.Context, method, path string, payload any) (*Result, error) {
	if d.pool.Len() == 0 {
		return nil, ErrExhaustedBackends
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
	}

	for {
		if err := d.pool.waitAvailable(ctx, d.pollInterval); err != nil {
			return nil, err
		}

		attempts := 0
		var lastErr error
		for _, idx := range d.perm(d.pool.Len()) {
			b := d.pool.backends[idx]
			if !d.pool.acquire(b) {
				continue
			}
			attempts++

			result, err := d.attempt(ctx, b, method, path, body)
			if err == nil {
				d.logger.Debug("backend request succeeded",
					"endpoint", result.Endpoint,
					"path", path,
					"attempt", attempts,
				)
				return result, nil
			}

			lastErr = err
			d.logger.Warn("backend request failed",
				"endpoint", b.Endpoint.String(),
				"path", path,
				"error", err,
			)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		if attempts > 0 {
			return nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
		}

		// Every backend was claimed by a concurrent call after the wait returned.
		d.logger.Debug("backends claimed concurrently, waiting again", "path", path)
	}
}

// attempt performs one request while holding b.
func (d *Dispatcher) attempt(ctx context.Context, b *Backend, method, path string, body []byte) (*Result, error) {
	defer d.pool.release(b)

	endpoint := b.Endpoint.String()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.Endpoint.JoinPath(path).String(), reader)
	if err != nil {
		return nil, &RequestError{Endpoint: endpoint, Path: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &RequestError{Endpoint: endpoint, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{
			Endpoint:   endpoint,
			Path:       path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("reading response: %w", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &RequestError{
			Endpoint:   endpoint,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	return &Result{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Body:       data,
	}, nil
}
