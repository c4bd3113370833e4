// Package pool manages the lifecycle of connections to downstream MCP
// endpoints: lazy attach, idle hibernation, and reattach with backoff after
// a failed attempt. It never talks to the Health Monitor directly — callers
// observe attach failures through the return value of Acquire and decide
// what to do with them.
package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ncp-mesh/ncp/internal/errors"
	"github.com/ncp-mesh/ncp/internal/ncp/transport"
	"github.com/ncp-mesh/ncp/internal/ncp/validator"
	"github.com/ncp-mesh/ncp/internal/retry"
)

// State is a connection's position in the attach/hibernate state machine.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateHibernated State = "hibernated"
	StateFailed     State = "failed"
)

// Config tunes pool-wide behavior.
type Config struct {
	// MaxParallelAttach bounds how many endpoints are attached concurrently
	// during the orchestrator's initial attach wave.
	MaxParallelAttach int
	// IdleTimeout hibernates a READY connection that hasn't been used for
	// this long, freeing its underlying transport.
	IdleTimeout time.Duration
	// AttachRetries bounds how many times a single attach attempt retries a
	// transient dial failure (network_error, timeout) before it's recorded
	// as a pool-level failure. Fatal failures (auth_failed, spawn_failed,
	// protocol_error) never retry. Zero or negative disables retrying.
	AttachRetries int
	// AttachRetryBackoff is the initial backoff between attach retries.
	AttachRetryBackoff time.Duration
	// SSEPingInterval controls how often a READY sse connection is pinged
	// to detect a dropped server-push stream. Zero or negative falls back
	// to the default.
	SSEPingInterval time.Duration
}

// DefaultConfig matches the spec's defaults: 8-way parallel attach, 5
// minute idle hibernation, 2 retries of a transient dial failure, sse
// streams pinged every 30s.
var DefaultConfig = Config{
	MaxParallelAttach:  8,
	IdleTimeout:        5 * time.Minute,
	AttachRetries:      2,
	AttachRetryBackoff: 250 * time.Millisecond,
	SSEPingInterval:    30 * time.Second,
}

type conn struct {
	mu              sync.Mutex
	name            string
	cfg             transport.Config
	state           State
	transport       *transport.Transport
	lastUsed        time.Time
	failures        int
	lastAttachErr   error
	idleTimer       *time.Timer
	superviseCancel context.CancelFunc
}

// Pool tracks one conn per endpoint name, keyed by the name given at
// Register time.
type Pool struct {
	poolCfg   Config
	validator *validator.Validator
	logger    zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	attachGroup singleflight.Group

	// dial is transport.Connect by default; tests substitute a fake to
	// avoid spawning real subprocesses or dialing real servers.
	dial func(context.Context, transport.Config, *validator.Validator, zerolog.Logger) (*transport.Transport, error)

	// ping probes a live transport's liveness; tests substitute a fake to
	// simulate a dropped sse stream without a real client.
	ping func(context.Context, *transport.Transport) error
}

// New creates an empty Pool.
func New(cfg Config, v *validator.Validator, logger zerolog.Logger) *Pool {
	if cfg.MaxParallelAttach <= 0 {
		cfg.MaxParallelAttach = DefaultConfig.MaxParallelAttach
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if cfg.SSEPingInterval <= 0 {
		cfg.SSEPingInterval = DefaultConfig.SSEPingInterval
	}
	return &Pool{
		poolCfg:   cfg,
		validator: v,
		logger:    logger.With().Str("component", "connection_pool").Logger(),
		conns:     make(map[string]*conn),
		dial:      transport.Connect,
		ping:      func(ctx context.Context, t *transport.Transport) error { return t.Ping(ctx) },
	}
}

// Known reports whether name was registered, regardless of whether it's
// currently attached. A name never passed to Register is a not_found: the
// caller should surface it directly rather than attempting to acquire it.
func (p *Pool) Known(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.conns[name]
	return ok
}

// Register adds an endpoint to the pool in the IDLE state without
// attaching it. Calling Register again for the same name replaces its
// transport config (used when a profile is reloaded).
func (p *Pool) Register(cfg transport.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.conns[cfg.Name]; ok {
		existing.mu.Lock()
		existing.cfg = cfg
		existing.mu.Unlock()
		return
	}

	p.conns[cfg.Name] = &conn{name: cfg.Name, cfg: cfg, state: StateIdle}
}

// Forget removes an endpoint from the pool entirely, closing its
// transport if attached. The orchestrator does not call it: an endpoint
// disabled by the Health Monitor stays registered and is skipped instead.
func (p *Pool) Forget(name string) {
	p.mu.Lock()
	c, ok := p.conns[name]
	delete(p.conns, name)
	p.mu.Unlock()

	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p.closeLocked(c)
}

// AttachAll attempts to attach every registered IDLE or FAILED endpoint,
// bounded by MaxParallelAttach, and returns the first attach error per
// endpoint that failed (nil entries are omitted).
func (p *Pool) AttachAll(ctx context.Context) map[string]error {
	p.mu.RLock()
	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	p.mu.RUnlock()

	var mu sync.Mutex
	errs := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.poolCfg.MaxParallelAttach)

	for _, name := range names {
		name := name
		g.Go(func() error {
			if _, err := p.Acquire(gctx, name); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

// Acquire returns a live Transport for name, attaching or waking it from
// hibernation if necessary. Concurrent Acquire calls for the same endpoint
// coalesce into a single attach attempt via singleflight.
func (p *Pool) Acquire(ctx context.Context, name string) (*transport.Transport, error) {
	p.mu.RLock()
	c, ok := p.conns[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", name)
	}

	c.mu.Lock()
	if c.state == StateReady {
		c.lastUsed = time.Now()
		t := c.transport
		c.mu.Unlock()
		return t, nil
	}
	cfg := c.cfg
	c.mu.Unlock()

	v, err, _ := p.attachGroup.Do(name, func() (interface{}, error) {
		return p.attach(ctx, c, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*transport.Transport), nil
}

func (p *Pool) attach(ctx context.Context, c *conn, cfg transport.Config) (*transport.Transport, error) {
	c.mu.Lock()
	if c.state == StateReady {
		t := c.transport
		c.mu.Unlock()
		return t, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	t, err := p.dialWithRetry(ctx, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateFailed
		c.failures++
		c.lastAttachErr = err
		p.logger.Warn().Str("endpoint", c.name).Err(err).Int("failures", c.failures).Msg("attach failed")
		return nil, err
	}

	c.state = StateReady
	c.transport = t
	c.failures = 0
	c.lastUsed = time.Now()
	p.armIdleTimer(c)

	if cfg.Kind == transport.KindSSE {
		p.startSupervisor(c, cfg)
	}

	return t, nil
}

// startSupervisor launches a goroutine that periodically pings an sse
// connection and reattaches with backoff if the stream has dropped. A
// no-op if c is already supervised. Caller must hold c.mu.
func (p *Pool) startSupervisor(c *conn, cfg transport.Config) {
	if c.superviseCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.superviseCancel = cancel
	go p.superviseSSE(ctx, c, cfg)
}

// superviseSSE pings c's transport at SSEPingInterval. A failed ping means
// the server-push stream has dropped; it's replaced with a freshly dialed
// transport via the unbounded full-jitter ReconnectPolicy, since an sse
// endpoint is expected to recover without operator intervention.
func (p *Pool) superviseSSE(ctx context.Context, c *conn, cfg transport.Config) {
	ticker := time.NewTicker(p.poolCfg.SSEPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		t := c.transport
		state := c.state
		c.mu.Unlock()
		if state != StateReady || t == nil {
			continue
		}

		if err := p.ping(ctx, t); err == nil {
			continue
		}

		p.logger.Warn().Str("endpoint", c.name).Msg("sse stream ping failed, reconnecting")

		newT, err := transport.Reconnecting(ctx, transport.DefaultReconnectPolicy, func(rctx context.Context) (*transport.Transport, error) {
			return p.dial(rctx, cfg, p.validator, p.logger)
		})
		if err != nil {
			return
		}

		c.mu.Lock()
		if c.transport != nil {
			errors.DeferClose(p.logger, c.transport, "error closing stale sse transport for "+c.name)
		}
		c.transport = newT
		c.lastUsed = time.Now()
		c.mu.Unlock()

		p.logger.Info().Str("endpoint", c.name).Msg("sse stream reconnected")
	}
}

// dialWithRetry calls p.dial, retrying only transient failures
// (network_error, timeout) up to p.poolCfg.AttachRetries times. Fatal
// failures (spawn_failed, auth_failed, protocol_error) are returned
// immediately since a retry can't fix a bad command or bad credentials.
func (p *Pool) dialWithRetry(ctx context.Context, cfg transport.Config) (*transport.Transport, error) {
	if p.poolCfg.AttachRetries <= 0 {
		return p.dial(ctx, cfg, p.validator, p.logger)
	}

	var t *transport.Transport
	retryCfg := retry.Config{
		// retry.Do counts calls, not retries: the first dial plus
		// AttachRetries retries.
		MaxRetries:     p.poolCfg.AttachRetries + 1,
		InitialBackoff: p.poolCfg.AttachRetryBackoff,
		MaxBackoff:     5 * time.Second,
		Jitter:         0.2,
	}

	err := retry.Do(ctx, retryCfg, func() error {
		var dialErr error
		t, dialErr = p.dial(ctx, cfg, p.validator, p.logger)
		return dialErr
	}, isTransientDialError)

	return t, err
}

func isTransientDialError(err error) bool {
	var te *transport.Error
	if !stderrors.As(err, &te) {
		return false
	}
	return te.Kind == transport.FailureNetwork || te.Kind == transport.FailureTimeout
}

// armIdleTimer schedules hibernation after IdleTimeout of inactivity.
// Caller must hold c.mu.
func (p *Pool) armIdleTimer(c *conn) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(p.poolCfg.IdleTimeout, func() {
		p.hibernate(c.name)
	})
}

func (p *Pool) hibernate(name string) {
	p.mu.RLock()
	c, ok := p.conns[name]
	p.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return
	}
	if time.Since(c.lastUsed) < p.poolCfg.IdleTimeout {
		p.armIdleTimer(c)
		return
	}

	if c.superviseCancel != nil {
		c.superviseCancel()
		c.superviseCancel = nil
	}
	if c.transport != nil {
		errors.DeferClose(p.logger, c.transport, "error closing transport for "+name)
		c.transport = nil
	}
	c.state = StateHibernated
	p.logger.Info().Str("endpoint", name).Msg("hibernated idle connection")
}

// State returns the current state of an endpoint's connection.
func (p *Pool) State(name string) (State, bool) {
	p.mu.RLock()
	c, ok := p.conns[name]
	p.mu.RUnlock()
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, true
}

// Failures returns the number of consecutive attach failures for name.
func (p *Pool) Failures(name string) int {
	p.mu.RLock()
	c, ok := p.conns[name]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// CloseAll shuts down every attached connection, used on orchestrator
// cleanup.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		c.mu.Lock()
		p.closeLocked(c)
		c.mu.Unlock()
	}
}

// closeLocked closes c's transport and stops its idle timer. Caller must
// hold c.mu.
func (p *Pool) closeLocked(c *conn) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.superviseCancel != nil {
		c.superviseCancel()
		c.superviseCancel = nil
	}
	if c.transport != nil {
		errors.DeferClose(p.logger, c.transport, "error closing transport for "+c.name)
		c.transport = nil
	}
	c.state = StateIdle
}
