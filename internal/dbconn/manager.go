// Package dbconn manages the single shared connection to the backing store.
//
// A Manager lazily dials on first use, coalesces concurrent establishment into
// one attempt, probes the cached handle on every Acquire and reconnects at most
// once per call when the probe fails. A handle dropped after a failed probe is
// closed only after CloseGrace, since requests that acquired it earlier may
// still be using it.
package dbconn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
	"github.com/vltx-lol/vltx/internal/security"
)

// Dialer knows how to open, check and release one kind of driver handle.
type Dialer[T any] interface {
	Dial(ctx context.Context) (T, error)
	Ping(ctx context.Context, handle T) error
	Close(ctx context.Context, handle T) error
}

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options bound the time spent establishing and probing connections.
type Options struct {
	// Name identifies the store in logs.
	Name           string
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	// CloseGrace delays closing a handle dropped after a failed probe.
	// Defaults to ConnectTimeout.
	CloseGrace time.Duration
}

// ErrClosed is wrapped by the UnavailableError returned after Close.
var ErrClosed = errors.New("connection manager closed")

type pending[T any] struct {
	done   chan struct{}
	handle T
	err    error
}

// Manager owns the shared handle. The mutex guards only the manager's own
// bookkeeping; the handle itself is used concurrently without locking.
type Manager[T any] struct {
	dialer Dialer[T]
	opts   Options

	mu         sync.Mutex
	state      State
	handle     T
	generation uint64
	inflight   *pending[T]
	retired    map[*time.Timer]T
}

// New creates a Manager in the disconnected state. No connection is made
// until the first Acquire.
func New[T any](dialer Dialer[T], opts Options) *Manager[T] {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = opts.ConnectTimeout
	}
	if opts.Name == "" {
		opts.Name = "store"
	}
	return &Manager[T]{dialer: dialer, opts: opts, retired: map[*time.Timer]T{}}
}

// State returns the current connection state.
func (m *Manager[T]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Acquire returns a live handle. A cached handle is probed first; if the probe
// fails the handle is discarded and a single re-establishment is attempted.
// All failures are reported as *store.UnavailableError.
func (m *Manager[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return zero, &registrystore.UnavailableError{Err: ErrClosed}
	case StateConnected:
		handle, gen := m.handle, m.generation
		m.mu.Unlock()

		err := m.probe(ctx, handle)
		if err == nil {
			return handle, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		m.invalidate(gen, err)
		security.RecordStoreReconnect()
		return m.connect(ctx)
	default:
		m.mu.Unlock()
		return m.connect(ctx)
	}
}

// Close releases the cached handle and any handle still waiting out its close
// grace. Later Acquire calls fail.
func (m *Manager[T]) Close(ctx context.Context) error {
	m.mu.Lock()
	prev := m.state
	handle := m.handle
	m.state = StateClosed
	var zero T
	m.handle = zero
	m.generation++
	var retired []T
	for timer, stale := range m.retired {
		timer.Stop()
		retired = append(retired, stale)
		delete(m.retired, timer)
	}
	m.mu.Unlock()

	security.SetStoreConnected(false)
	for _, stale := range retired {
		m.closeStale(ctx, stale)
	}
	if prev != StateConnected {
		return nil
	}
	return m.dialer.Close(ctx, handle)
}

func (m *Manager[T]) probe(ctx context.Context, handle T) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return m.dialer.Ping(probeCtx, handle)
}

// invalidate drops the cached handle if it is still the one probed at gen.
func (m *Manager[T]) invalidate(gen uint64, cause error) {
	m.mu.Lock()
	if m.state != StateConnected || m.generation != gen {
		m.mu.Unlock()
		return
	}
	stale := m.handle
	var zero T
	m.handle = zero
	m.state = StateDisconnected
	m.generation++
	m.mu.Unlock()

	security.SetStoreConnected(false)
	log.Warn("Store connection lost", "store", m.opts.Name, "err", cause)
	m.retire(stale)
}

// retire closes stale once CloseGrace has passed.
func (m *Manager[T]) retire(stale T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(m.opts.CloseGrace, func() {
		m.mu.Lock()
		_, ok := m.retired[timer]
		delete(m.retired, timer)
		m.mu.Unlock()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		defer cancel()
		m.closeStale(ctx, stale)
	})
	m.retired[timer] = stale
}

func (m *Manager[T]) closeStale(ctx context.Context, stale T) {
	if err := m.dialer.Close(ctx, stale); err != nil {
		log.Debug("Closing stale store connection failed", "store", m.opts.Name, "err", err)
	}
}

// connect joins the in-flight establishment or starts a new one, then waits
// for its result or for ctx to end.
func (m *Manager[T]) connect(ctx context.Context) (T, error) {
	var zero T

	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return zero, &registrystore.UnavailableError{Err: ErrClosed}
	case m.state == StateConnected:
		// Another caller finished establishing while we were probing.
		handle := m.handle
		m.mu.Unlock()
		return handle, nil
	case m.inflight == nil:
		m.inflight = &pending[T]{done: make(chan struct{})}
		m.state = StateConnecting
		go m.establish(m.inflight)
	}
	p := m.inflight
	m.mu.Unlock()

	select {
	case <-p.done:
		if p.err != nil {
			return zero, &registrystore.UnavailableError{Err: p.err}
		}
		return p.handle, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// establish dials detached from any caller so that one caller giving up does
// not fail the others waiting on the same attempt.
func (m *Manager[T]) establish(p *pending[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	handle, err := m.dial(ctx)

	m.mu.Lock()
	m.inflight = nil
	switch {
	case m.state == StateClosed:
		if err == nil {
			go func() { _ = m.dialer.Close(context.Background(), handle) }()
			err = ErrClosed
		}
	case err != nil:
		m.state = StateDisconnected
	default:
		m.state = StateConnected
		m.handle = handle
		m.generation++
	}
	p.handle, p.err = handle, err
	m.mu.Unlock()
	close(p.done)

	if err != nil {
		log.Error("Store connect failed", "store", m.opts.Name, "err", err)
		return
	}
	security.SetStoreConnected(true)
	log.Info("Store connected", "store", m.opts.Name)
}

func (m *Manager[T]) dial(ctx context.Context) (T, error) {
	var zero T
	type result struct {
		handle T
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		handle, err := m.dialer.Dial(ctx)
		if err == nil {
			if err = m.dialer.Ping(ctx, handle); err != nil {
				_ = m.dialer.Close(context.Background(), handle)
			}
		}
		ch <- result{handle, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return zero, r.err
		}
		return r.handle, nil
	case <-ctx.Done():
		// The dialer ignored ctx; release whatever it eventually returns.
		go func() {
			if r := <-ch; r.err == nil {
				_ = m.dialer.Close(context.Background(), r.handle)
			}
		}()
		return zero, ctx.Err()
	}
}
