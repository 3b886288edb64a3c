// ABOUTME: Pool of inference backends with a per-backend exclusivity flag.
// ABOUTME: Waiters are woken on release and fall back to a fixed poll interval.

package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoBackends indicates a pool was created without any endpoint.
var ErrNoBackends = errors.New("no backends configured")

// Backend is a single inference server.
type Backend struct {
	Endpoint *url.URL

	busy atomic.Bool
}

// Available reports whether no request is currently in flight on the backend.
func (b *Backend) Available() bool {
	return !b.busy.Load()
}

// Status is a point-in-time view of a backend.
type Status struct {
	Endpoint  string
	Available bool
}

// Pool holds the configured backends for the life of the process.
type Pool struct {
	backends []*Backend

	mu       sync.Mutex
	released chan struct{} // closed and replaced on every release
}

// NewPool parses the endpoints and builds a pool with every backend free.
func NewPool(endpoints []string) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoBackends
	}

	backends := make([]*Backend, 0, len(endpoints))
	for _, raw := range endpoints {
		u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(raw), "/"))
		if err != nil {
			return nil, fmt.Errorf("parsing backend %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("backend %q must use http or https scheme", raw)
		}
		backends = append(backends, &Backend{Endpoint: u})
	}

	return &Pool{
		backends: backends,
		released: make(chan struct{}),
	}, nil
}

// Len returns the number of configured backends.
func (p *Pool) Len() int {
	return len(p.backends)
}

// Available returns how many backends are free right now.
func (p *Pool) Available() int {
	n := 0
	for _, b := range p.backends {
		if b.Available() {
			n++
		}
	}
	return n
}

// Backends returns a snapshot of every backend's state.
func (p *Pool) Backends() []Status {
	out := make([]Status, len(p.backends))
	for i, b := range p.backends {
		out[i] = Status{
			Endpoint:  b.Endpoint.String(),
			Available: b.Available(),
		}
	}
	return out
}

// acquire claims the backend. It returns false if another request holds it.
func (p *Pool) acquire(b *Backend) bool {
	return b.busy.CompareAndSwap(false, true)
}

// release frees the backend and wakes every waiter.
func (p *Pool) release(b *Backend) {
	b.busy.Store(false)

	p.mu.Lock()
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) releaseSignal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// waitAvailable blocks until at least one backend is free or ctx is done.
func (p *Pool) waitAvailable(ctx context.Context, pollInterval time.Duration) error {
	for {
		// Grab the signal before checking so a release in between is not missed.
		signal := p.releaseSignal()
		if p.Available() > 0 {
			return nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}
