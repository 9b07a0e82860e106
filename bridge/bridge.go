package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/caffeineduck/isobridge/internal/logging"
	"github.com/caffeineduck/isobridge/transport"
	"github.com/caffeineduck/isobridge/wire"
)

// Bridge owns one execution context at a time and exposes the caller-side
// request/response and streaming API over it.
//
// A context terminated by a timeout or a transport failure can be replaced
// by calling Initialize again. Teardown closes the bridge for good.
type Bridge struct {
	spawner transport.Spawner
	cfg     config
	logger  Logger

	mu           sync.Mutex
	ec           *execContext
	gen          uint64
	initializing bool
	closed       bool
}

// New returns an uninitialized bridge that spawns peers with spawner.
func New(spawner transport.Spawner, opts ...Option) *Bridge {
	cfg := config{
		defaultTimeout: DefaultTimeout,
		initTimeout:    DefaultInitTimeout,
		teardownGrace:  DefaultTeardownGrace,
		logger:         nopLogger{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	return &Bridge{
		spawner: spawner,
		cfg:     cfg,
		logger:  withAttrs(cfg.logger, "bridge_id", cfg.id),
	}
}

// ID identifies the bridge in logs.
func (b *Bridge) ID() string { return b.cfg.id }

// Initialize spawns a fresh peer and sends it bootstrap. It returns once
// the executor acknowledged, leaving the bridge Ready.
func (b *Bridge) Initialize(ctx context.Context, bootstrap any) error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return &ContextTerminatedError{Cause: errTornDown}
	case b.initializing:
		b.mu.Unlock()
		return &AlreadyInitializedError{State: StateInitializing}
	case b.ec != nil && b.ec.State() != StateTerminated:
		st := b.ec.State()
		b.mu.Unlock()
		return &AlreadyInitializedError{State: st}
	}
	b.initializing = true
	b.gen++
	gen := b.gen
	b.mu.Unlock()

	logger := withAttrs(b.logger, "generation", gen)
	peer, err := b.spawner.Spawn(ctx)

	b.mu.Lock()
	b.initializing = false
	if err != nil {
		b.mu.Unlock()
		logger.Error("spawn failed", "error", err)
		return &InitializationError{Cause: fmt.Errorf("spawn: %w", err)}
	}
	if b.closed {
		b.mu.Unlock()
		_ = peer.Terminate()
		return &InitializationError{Cause: &ContextTerminatedError{Cause: errTornDown}}
	}
	ec := newExecContext(gen, peer, &b.cfg, logger)
	b.ec = ec
	b.mu.Unlock()

	logger.Info("initializing execution context")
	if _, err := ec.call(ctx, kindInit, wire.MethodInitialize, bootstrap, b.cfg.initTimeout); err != nil {
		ec.kill(terminated(fmt.Errorf("initialization: %v", err)))
		logger.Warn("initialization failed", "error", err)
		return &InitializationError{Cause: err}
	}
	logger.Info("execution context ready")
	return nil
}

// Execute sends method with params and waits for the result. The call is
// bounded by WithTimeout, or the bridge default. A timeout tears down the
// whole context. If ctx ends first the call is abandoned, a cancel hint is
// sent and ctx.Err() is returned; the context stays usable.
func (b *Bridge) Execute(ctx context.Context, method string, params any, opts ...CallOption) (any, error) {
	if isReserved(method) {
		return nil, fmt.Errorf("%w: %s", ErrReservedMethod, method)
	}
	ec, err := b.current()
	if err != nil {
		return nil, err
	}

	cc := callConfig{timeout: b.cfg.defaultTimeout}
	for _, opt := range opts {
		opt(&cc)
	}
	return ec.call(ctx, kindCall, method, params, cc.timeout)
}

// Stream starts a streaming call and returns immediately. onChunk receives
// chunks in order; the outcome is reported by the returned handle. Streams
// have no per-call timeout.
func (b *Bridge) Stream(method string, params any, onChunk func(chunk any)) *Stream {
	ec, err := b.current()
	if err == nil && isReserved(method) {
		err = fmt.Errorf("%w: %s", ErrReservedMethod, method)
	}
	if err != nil {
		s := newStream(0, method, onChunk, nil)
		s.finish(err)
		return s
	}

	id := ec.ids.Add(1)
	s := newStream(id, method, onChunk, func(id uint64) {
		ec.post(func() { ec.cancelStream(id) })
	})
	if !ec.post(func() { ec.startStream(s, params) }) {
		s.finish(ec.terminatedErr())
	}
	return s
}

// Teardown drains outstanding calls with ContextTerminatedError, asks the
// executor to shut down, and kills the peer after the grace period. It is
// idempotent. If ctx ends first the peer is killed immediately.
func (b *Bridge) Teardown(ctx context.Context) error {
	b.mu.Lock()
	already := b.closed
	b.closed = true
	ec := b.ec
	b.mu.Unlock()

	if !already {
		b.logger.Info("teardown requested")
	}
	if ec == nil {
		return nil
	}

	done := make(chan struct{})
	if !ec.post(func() { ec.beginTeardown(done) }) {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("teardown interrupted, killing peer", "error", ctx.Err())
		ec.kill(terminated(errTornDown))
	}
	return nil
}

// State reports the lifecycle state of the current context.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.initializing:
		return StateInitializing
	case b.ec != nil:
		return b.ec.State()
	case b.closed:
		return StateTerminated
	default:
		return StateUninitialized
	}
}

// Ready reports whether calls can currently be issued.
func (b *Bridge) Ready() bool {
	return b.State().accepting()
}

// Pending reports outstanding calls and streams on the current context.
func (b *Bridge) Pending() Stats {
	b.mu.Lock()
	ec := b.ec
	b.mu.Unlock()
	if ec == nil {
		return Stats{}
	}
	return ec.stats()
}

// Generation counts the contexts this bridge has spawned.
func (b *Bridge) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

func (b *Bridge) current() (*execContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ec == nil {
		if b.closed {
			return nil, &ContextTerminatedError{Cause: errTornDown}
		}
		return nil, &InitializationError{Cause: errNotInitialized}
	}
	return b.ec, nil
}

func isReserved(method string) bool {
	return method == wire.MethodInitialize || method == wire.MethodTeardown
}

// withAttrs attaches attributes when the logger supports it.
func withAttrs(l Logger, args ...any) Logger {
	switch v := l.(type) {
	case *logging.Logger:
		return v.With(args...)
	case *slog.Logger:
		return v.With(args...)
	}
	return l
}
