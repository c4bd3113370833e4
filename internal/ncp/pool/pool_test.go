package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ncp-mesh/ncp/internal/ncp/transport"
	"github.com/ncp-mesh/ncp/internal/ncp/validator"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	return New(cfg, validator.New(zerolog.Nop()), zerolog.Nop())
}

func TestPool_AcquireAttachesAndReturnsReady(t *testing.T) {
	p := newTestPool(t, Config{})
	var dialed int32
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		atomic.AddInt32(&dialed, 1)
		return &transport.Transport{}, nil
	}
	p.Register(transport.Config{Name: "echo", Kind: transport.KindStdio, Command: "node"})

	tr, err := p.Acquire(context.Background(), "echo")
	require.NoError(t, err)
	require.NotNil(t, tr)

	state, ok := p.State("echo")
	require.True(t, ok)
	require.Equal(t, StateReady, state)
	require.EqualValues(t, 1, dialed)
}

func TestPool_AcquireUnknownEndpoint(t *testing.T) {
	p := newTestPool(t, Config{})
	_, err := p.Acquire(context.Background(), "nope")
	require.Error(t, err)
}

func TestPool_AcquireReusesReadyConnectionWithoutRedialing(t *testing.T) {
	p := newTestPool(t, Config{})
	var dialed int32
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		atomic.AddInt32(&dialed, 1)
		return &transport.Transport{}, nil
	}
	p.Register(transport.Config{Name: "echo", Kind: transport.KindStdio, Command: "node"})

	_, err := p.Acquire(context.Background(), "echo")
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "echo")
	require.NoError(t, err)

	require.EqualValues(t, 1, dialed)
}

func TestPool_FailedAttachIncrementsFailures(t *testing.T) {
	p := newTestPool(t, Config{})
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		return nil, fmt.Errorf("connection refused")
	}
	p.Register(transport.Config{Name: "flaky", Kind: transport.KindStdio, Command: "node"})

	_, err := p.Acquire(context.Background(), "flaky")
	require.Error(t, err)

	state, _ := p.State("flaky")
	require.Equal(t, StateFailed, state)
	require.Equal(t, 1, p.Failures("flaky"))
}

func TestPool_ConcurrentAcquireCoalescesIntoOneAttach(t *testing.T) {
	p := newTestPool(t, Config{})
	var dialed int32
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		atomic.AddInt32(&dialed, 1)
		time.Sleep(20 * time.Millisecond)
		return &transport.Transport{}, nil
	}
	p.Register(transport.Config{Name: "echo", Kind: transport.KindStdio, Command: "node"})

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := p.Acquire(context.Background(), "echo")
			done <- err
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, <-done)
	}

	require.EqualValues(t, 1, dialed)
}

func TestPool_AttachAllBoundsParallelism(t *testing.T) {
	p := newTestPool(t, Config{MaxParallelAttach: 2})
	var inFlight, maxInFlight int32
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &transport.Transport{}, nil
	}

	for i := 0; i < 6; i++ {
		p.Register(transport.Config{Name: fmt.Sprintf("ep-%d", i), Kind: transport.KindStdio, Command: "node"})
	}

	errs := p.AttachAll(context.Background())
	require.Empty(t, errs)
	require.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}

func TestPool_ForgetRemovesEndpoint(t *testing.T) {
	p := newTestPool(t, Config{})
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		return &transport.Transport{}, nil
	}
	p.Register(transport.Config{Name: "echo", Kind: transport.KindStdio, Command: "node"})
	_, err := p.Acquire(context.Background(), "echo")
	require.NoError(t, err)

	p.Forget("echo")

	_, ok := p.State("echo")
	require.False(t, ok)
}

func TestPool_AttachRetriesTransientFailureThenSucceeds(t *testing.T) {
	p := newTestPool(t, Config{AttachRetries: 2, AttachRetryBackoff: time.Millisecond})
	var attempts int32
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, &transport.Error{Kind: transport.FailureNetwork, Err: fmt.Errorf("refused")}
		}
		return &transport.Transport{}, nil
	}
	p.Register(transport.Config{Name: "flaky", Kind: transport.KindStdio, Command: "node"})

	tr, err := p.Acquire(context.Background(), "flaky")
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.EqualValues(t, 2, attempts)
}

func TestPool_AttachDoesNotRetryFatalFailure(t *testing.T) {
	p := newTestPool(t, Config{AttachRetries: 3, AttachRetryBackoff: time.Millisecond})
	var attempts int32
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, &transport.Error{Kind: transport.FailureAuth, Err: fmt.Errorf("bad credentials")}
	}
	p.Register(transport.Config{Name: "locked", Kind: transport.KindStdio, Command: "node"})

	_, err := p.Acquire(context.Background(), "locked")
	require.Error(t, err)
	require.EqualValues(t, 1, attempts)
}

func TestPool_KnownReflectsRegisteredEndpointsOnly(t *testing.T) {
	p := newTestPool(t, Config{})
	p.Register(transport.Config{Name: "echo", Kind: transport.KindStdio, Command: "node"})

	require.True(t, p.Known("echo"))
	require.False(t, p.Known("ghost"))
}

func TestPool_SSESupervisorReconnectsAfterPingFailure(t *testing.T) {
	p := newTestPool(t, Config{SSEPingInterval: 5 * time.Millisecond})
	var dialed, pings int32
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		atomic.AddInt32(&dialed, 1)
		return &transport.Transport{}, nil
	}
	p.ping = func(context.Context, *transport.Transport) error {
		if atomic.AddInt32(&pings, 1) == 1 {
			return nil
		}
		return fmt.Errorf("stream closed")
	}
	p.Register(transport.Config{Name: "events", Kind: transport.KindSSE, URL: "http://example.invalid/sse"})

	_, err := p.Acquire(context.Background(), "events")
	require.NoError(t, err)
	defer p.CloseAll()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dialed) >= 2
	}, time.Second, 5*time.Millisecond, "a failed ping should trigger a redial")
}

func TestPool_HibernateStopsSSESupervisor(t *testing.T) {
	p := newTestPool(t, Config{SSEPingInterval: 5 * time.Millisecond, IdleTimeout: 5 * time.Millisecond})
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		return &transport.Transport{}, nil
	}
	var pings int32
	p.ping = func(context.Context, *transport.Transport) error {
		atomic.AddInt32(&pings, 1)
		return nil
	}
	p.Register(transport.Config{Name: "events", Kind: transport.KindSSE, URL: "http://example.invalid/sse"})

	_, err := p.Acquire(context.Background(), "events")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, _ := p.State("events")
		return state == StateHibernated
	}, time.Second, 5*time.Millisecond)

	// Let a tick already in flight at hibernation finish, then require
	// that no further pings happen over several ping intervals.
	time.Sleep(20 * time.Millisecond)
	after := atomic.LoadInt32(&pings)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, atomic.LoadInt32(&pings), "supervisor kept pinging after hibernation")
}

func TestPool_RegisterTwiceUpdatesConfigWithoutResettingState(t *testing.T) {
	p := newTestPool(t, Config{})
	p.dial = func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error) {
		return &transport.Transport{}, nil
	}
	p.Register(transport.Config{Name: "echo", Kind: transport.KindStdio, Command: "node"})
	_, err := p.Acquire(context.Background(), "echo")
	require.NoError(t, err)

	p.Register(transport.Config{Name: "echo", Kind: transport.KindStdio, Command: "node", Args: []string{"--new"}})

	state, ok := p.State("echo")
	require.True(t, ok)
	require.Equal(t, StateReady, state)
}
