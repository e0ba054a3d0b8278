package dbconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
)

type fakeConn struct {
	id     int64
	closed atomic.Bool
}

type fakeDialer struct {
	dials     atomic.Int64
	pings     atomic.Int64
	closes    atomic.Int64
	dialDelay time.Duration

	mu       sync.Mutex
	dialErr  error
	pingErr  func(c *fakeConn) error
	hangDial bool
}

func (d *fakeDialer) Dial(ctx context.Context) (*fakeConn, error) {
	n := d.dials.Add(1)
	d.mu.Lock()
	dialErr, hang := d.dialErr, d.hangDial
	d.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.dialDelay > 0 {
		time.Sleep(d.dialDelay)
	}
	if dialErr != nil {
		return nil, dialErr
	}
	return &fakeConn{id: n}, nil
}

func (d *fakeDialer) Ping(_ context.Context, c *fakeConn) error {
	d.pings.Add(1)
	d.mu.Lock()
	fn := d.pingErr
	d.mu.Unlock()
	if fn != nil {
		return fn(c)
	}
	return nil
}

func (d *fakeDialer) Close(_ context.Context, c *fakeConn) error {
	d.closes.Add(1)
	if c != nil {
		c.closed.Store(true)
	}
	return nil
}

func (d *fakeDialer) set(fn func(d *fakeDialer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func testOptions() Options {
	return Options{Name: "fake", ConnectTimeout: time.Second, ProbeTimeout: 200 * time.Millisecond, CloseGrace: 200 * time.Millisecond}
}

func TestAcquire_ConcurrentCallersShareOneDial(t *testing.T) {
	d := &fakeDialer{dialDelay: 50 * time.Millisecond}
	m := New[*fakeConn](d, testOptions())
	require.Equal(t, StateDisconnected, m.State())

	const callers = 32
	var wg sync.WaitGroup
	conns := make([]*fakeConn, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = m.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), d.dials.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, conns[0], conns[i])
	}
	require.Equal(t, StateConnected, m.State())
}

func TestAcquire_ProbesCachedHandle(t *testing.T) {
	d := &fakeDialer{}
	m := New[*fakeConn](d, testOptions())

	c1, err := m.Acquire(context.Background())
	require.NoError(t, err)
	pingsAfterDial := d.pings.Load()

	c2, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, pingsAfterDial+1, d.pings.Load())
	require.Equal(t, int64(1), d.dials.Load())
}

func TestAcquire_FailedProbeReconnectsOnce(t *testing.T) {
	d := &fakeDialer{}
	m := New[*fakeConn](d, testOptions())

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	// The first connection goes stale; fresh ones are healthy.
	d.set(func(d *fakeDialer) {
		d.pingErr = func(c *fakeConn) error {
			if c == first {
				return errors.New("connection reset")
			}
			return nil
		}
	})

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, int64(2), d.dials.Load())
	require.Eventually(t, first.closed.Load, 2*time.Second, 10*time.Millisecond)
}

func TestAcquire_ReconnectKeepsHandleOpenForEarlierCallers(t *testing.T) {
	d := &fakeDialer{}
	m := New[*fakeConn](d, testOptions())

	inUse, err := m.Acquire(context.Background())
	require.NoError(t, err)

	var failOnce atomic.Bool
	d.set(func(d *fakeDialer) {
		d.pingErr = func(c *fakeConn) error {
			if c == inUse && failOnce.CompareAndSwap(false, true) {
				return errors.New("i/o timeout")
			}
			return nil
		}
	})
	fresh, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, inUse, fresh)

	time.Sleep(50 * time.Millisecond)
	require.False(t, inUse.closed.Load(), "handle still used by an earlier request")
	require.Eventually(t, inUse.closed.Load, 2*time.Second, 10*time.Millisecond)
	require.False(t, fresh.closed.Load())
}

func TestClose_ReleasesRetiredHandles(t *testing.T) {
	d := &fakeDialer{}
	opts := testOptions()
	opts.CloseGrace = time.Hour
	m := New[*fakeConn](d, opts)

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	d.set(func(d *fakeDialer) {
		d.pingErr = func(c *fakeConn) error {
			if c == first {
				return errors.New("connection reset")
			}
			return nil
		}
	})
	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, first.closed.Load())

	require.NoError(t, m.Close(context.Background()))
	require.True(t, first.closed.Load())
	require.True(t, second.closed.Load())
}

func TestAcquire_FailedReconnectIsUnavailable(t *testing.T) {
	d := &fakeDialer{}
	m := New[*fakeConn](d, testOptions())

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	d.set(func(d *fakeDialer) {
		d.pingErr = func(*fakeConn) error { return errors.New("server gone") }
		d.dialErr = errors.New("connection refused")
	})

	_, err = m.Acquire(context.Background())
	var unavailable *registrystore.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, int64(2), d.dials.Load(), "exactly one reconnect attempt per call")
	require.Equal(t, StateDisconnected, m.State())
}

func TestAcquire_DialFailureThenRecovery(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("connection refused")}
	m := New[*fakeConn](d, testOptions())

	_, err := m.Acquire(context.Background())
	var unavailable *registrystore.UnavailableError
	require.ErrorAs(t, err, &unavailable)

	d.set(func(d *fakeDialer) { d.dialErr = nil })
	c, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestAcquire_ConnectTimeoutIsUnavailable(t *testing.T) {
	d := &fakeDialer{hangDial: true}
	opts := testOptions()
	opts.ConnectTimeout = 50 * time.Millisecond
	m := New[*fakeConn](d, opts)

	start := time.Now()
	_, err := m.Acquire(context.Background())
	var unavailable *registrystore.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Less(t, time.Since(start), time.Second)
}

func TestAcquire_CallerCancellationDoesNotFailOthers(t *testing.T) {
	d := &fakeDialer{dialDelay: 100 * time.Millisecond}
	m := New[*fakeConn](d, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	c, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, int64(1), d.dials.Load())
}

func TestClose(t *testing.T) {
	d := &fakeDialer{}
	m := New[*fakeConn](d, testOptions())

	c, err := m.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	require.True(t, c.closed.Load())
	require.Equal(t, StateClosed, m.State())

	_, err = m.Acquire(context.Background())
	var unavailable *registrystore.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.ErrorIs(t, err, ErrClosed)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "unknown", State(99).String())
}
