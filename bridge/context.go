package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/isobridge/transport"
	"github.com/caffeineduck/isobridge/wire"
)

type callResult struct {
	result any
	err    error
}

// execContext is one generation of an execution context. Its table and
// state machine are mutated only by the run goroutine; everything else
// posts closures to it.
type execContext struct {
	gen    uint64
	peer   transport.Transport
	cfg    *config
	logger Logger

	state atomic.Int32
	ids   atomic.Uint64

	events  chan func()
	stopped chan struct{}
	out     *outbox

	// Owned by run.
	table      *table
	finalizing bool
	waiters    []chan struct{}
	cause      error
}

func newExecContext(gen uint64, peer transport.Transport, cfg *config, logger Logger) *execContext {
	ec := &execContext{
		gen:     gen,
		peer:    peer,
		cfg:     cfg,
		logger:  logger,
		events:  make(chan func()),
		stopped: make(chan struct{}),
	}
	ec.out = newOutbox(peer, func(err error) {
		ec.post(func() { ec.transportFailed(fmt.Errorf("send: %w", err)) })
	}, func(id uint64, err error) {
		ec.post(func() { ec.unsendable(id, err) })
	})
	ec.table = newTable(func(id uint64) { ec.out.push(wire.NewCancel(id)) })
	ec.state.Store(int32(StateInitializing))

	go ec.run()
	go ec.out.run()
	go ec.read()
	return ec
}

func (ec *execContext) State() State { return State(ec.state.Load()) }

func (ec *execContext) setState(s State) {
	prev := State(ec.state.Swap(int32(s)))
	if prev != s {
		ec.logger.Debug("state transition", "from", prev.String(), "to", s.String(), "pending", ec.table.len())
	}
}

// post hands fn to the dispatcher. It reports false once the context has
// stopped, in which case fn never runs.
func (ec *execContext) post(fn func()) bool {
	select {
	case ec.events <- fn:
		return true
	case <-ec.stopped:
		return false
	}
}

func (ec *execContext) run() {
	defer close(ec.stopped)
	for fn := range ec.events {
		fn()
		if ec.State() == StateTerminated {
			return
		}
	}
}

func (ec *execContext) read() {
	for {
		env, err := ec.peer.Recv()
		if err != nil {
			ec.post(func() { ec.transportFailed(err) })
			return
		}
		if !ec.post(func() { ec.inbound(env) }) {
			return
		}
	}
}

// terminatedErr is the error for calls arriving after the context stopped.
func (ec *execContext) terminatedErr() error {
	select {
	case <-ec.stopped:
		if ec.cause != nil {
			return terminated(ec.cause)
		}
	default:
	}
	return &ContextTerminatedError{}
}

// call issues a request and waits for its outcome. If ctx ends first the
// request is abandoned; an abandoned bootstrap call terminates the context.
func (ec *execContext) call(ctx context.Context, kind callKind, method string, params any, timeout time.Duration) (any, error) {
	id := ec.ids.Add(1)
	reply := make(chan callResult, 1)
	if !ec.post(func() { ec.startCall(id, kind, method, params, timeout, reply) }) {
		return nil, ec.terminatedErr()
	}

	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
	}

	if kind == kindInit {
		err := ctx.Err()
		ec.post(func() { ec.terminate(terminated(err)) })
	} else {
		ec.post(func() {
			if ec.table.cancel(id) {
				ec.logger.Debug("call abandoned by caller", "request_id", id, "method", method)
			}
			ec.updateState()
		})
	}
	select {
	case r := <-reply:
		return r.result, r.err
	default:
		return nil, ctx.Err()
	}
}

func (ec *execContext) startCall(id uint64, kind callKind, method string, params any, timeout time.Duration, reply chan<- callResult) {
	st := ec.State()
	switch {
	case kind == kindInit && st != StateInitializing:
		reply <- callResult{err: terminated(ec.cause)}
		return
	case kind == kindCall && st == StateInitializing:
		reply <- callResult{err: &InitializationError{Cause: errNotInitialized}}
		return
	case kind == kindCall && !st.accepting():
		reply <- callResult{err: terminated(ec.cause)}
		return
	}

	p := &pendingCall{
		id:        id,
		kind:      kind,
		method:    method,
		createdAt: time.Now(),
		resolve:   func(result any) { reply <- callResult{result: result} },
		reject:    func(err error) { reply <- callResult{err: err} },
	}
	if kind == kindInit {
		p.resolve = func(result any) {
			ec.setState(StateReady)
			reply <- callResult{result: result}
		}
		p.reject = func(err error) {
			ec.terminate(terminated(fmt.Errorf("initialization: %v", err)))
			reply <- callResult{err: err}
		}
	}
	if timeout > 0 {
		p.watchdog = startWatchdog(id, timeout, ec.expired)
	}
	if err := ec.table.register(p); err != nil {
		p.stopTimers()
		ec.logger.Error("register call", "request_id", id, "error", err)
		reply <- callResult{err: err}
		return
	}
	ec.out.push(wire.NewCall(id, method, params))
	ec.updateState()
}

func (ec *execContext) startStream(s *Stream, params any) {
	if !ec.State().accepting() {
		s.finish(terminated(ec.cause))
		return
	}
	if s.canceled.Load() {
		return
	}

	p := &pendingCall{
		id:        s.id,
		kind:      kindStream,
		method:    s.method,
		createdAt: time.Now(),
		resolve:   func(any) { s.finish(nil) },
		reject:    s.finish,
		onChunk:   s.push,
	}
	if d := ec.cfg.streamIdleTimeout; d > 0 {
		p.idle = startWatchdog(s.id, d, ec.idleExpired)
	}
	if err := ec.table.register(p); err != nil {
		p.stopTimers()
		s.finish(err)
		return
	}
	ec.out.push(wire.NewCall(s.id, s.method, params))
	ec.updateState()
}

func (ec *execContext) cancelStream(id uint64) {
	if ec.table.cancel(id) {
		ec.logger.Debug("stream canceled", "request_id", id)
	}
	ec.updateState()
}

func (ec *execContext) inbound(env *wire.Envelope) {
	defer ec.updateState()

	p, ok := ec.table.lookup(env.ID)
	if !ok {
		ec.logger.Debug("dropping envelope for unknown id", "request_id", env.ID, "type", string(env.Type))
		return
	}

	switch env.Type {
	case wire.TypeResponse:
		if p.kind == kindStream {
			ec.logger.Warn("response for stream id", "request_id", env.ID)
			return
		}
		ec.table.resolve(env.ID, env.Payload.Result)
	case wire.TypeError:
		ec.table.reject(env.ID, executorError(p, env))
	case wire.TypeChunk:
		if !ec.table.routeChunk(env.ID, env.Payload.Result) {
			ec.logger.Warn("chunk for non-stream id", "request_id", env.ID)
			return
		}
		if p.idle != nil {
			p.idle.stop()
			p.idle = startWatchdog(p.id, ec.cfg.streamIdleTimeout, ec.idleExpired)
		}
	case wire.TypeEnd:
		if p.kind != kindStream {
			ec.logger.Warn("end for non-stream id", "request_id", env.ID)
			return
		}
		ec.table.resolve(env.ID, nil)
	default:
		ec.logger.Warn("unexpected envelope type", "request_id", env.ID, "type", string(env.Type))
	}
}

func executorError(p *pendingCall, env *wire.Envelope) error {
	e := &ExecutorError{ID: env.ID, Method: p.method, Message: "unknown error"}
	if info := env.Payload.Error; info != nil {
		e.Code = info.Code
		if info.Message != "" {
			e.Message = info.Message
		}
	}
	return e
}

// expired runs on a timer goroutine.
func (ec *execContext) expired(w *watchdog) {
	ec.post(func() {
		p, ok := ec.table.lookup(w.id)
		if !ok || p.watchdog != w {
			return
		}
		err := &ExecutionTimeoutError{ID: p.id, Method: p.method, Timeout: w.timeout}
		ec.logger.Warn("call timed out", "request_id", p.id, "method", p.method, "timeout", w.timeout)
		if p.kind == kindTeardown {
			ec.table.reject(p.id, err)
			return
		}
		// Other calls are drained with a cause that does not unwrap to the
		// timeout; the context is terminated before the caller hears back.
		ec.table.remove(p.id)
		ec.terminate(terminated(fmt.Errorf("%s (request %d) timed out after %s", p.method, p.id, w.timeout)))
		p.reject(err)
	})
}

func (ec *execContext) idleExpired(w *watchdog) {
	ec.post(func() {
		p, ok := ec.table.lookup(w.id)
		if !ok || p.idle != w {
			return
		}
		ec.logger.Info("stream idle, canceling", "request_id", p.id, "method", p.method, "idle", w.timeout)
		ec.table.reject(p.id, ErrStreamIdle)
		ec.out.push(wire.NewCancel(p.id))
		ec.updateState()
	})
}

// unsendable rejects one request whose envelope could not be encoded.
// Nothing reached the peer, so the context and every other call carry on.
func (ec *execContext) unsendable(id uint64, err error) {
	defer ec.updateState()

	p, ok := ec.table.lookup(id)
	if !ok {
		return
	}
	ec.logger.Warn("request not encodable", "request_id", id, "method", p.method, "error", err)
	ec.table.reject(id, fmt.Errorf("%w: %s (request %d): %w", ErrUnencodable, p.method, id, err))
}

func (ec *execContext) transportFailed(err error) {
	if ec.finalizing {
		return
	}
	if ec.State() == StateTerminating && (errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed)) {
		ec.logger.Debug("peer closed during teardown")
		ec.terminate(terminated(errTornDown))
		return
	}
	ec.logger.Warn("transport failed", "error", err, "pending", ec.table.len())
	ec.terminate(terminated(fmt.Errorf("transport: %w", err)))
}

func (ec *execContext) updateState() {
	st := ec.State()
	if !st.accepting() {
		return
	}
	if ec.table.len() > 0 {
		ec.setState(StateExecuting)
	} else {
		ec.setState(StateReady)
	}
}

// beginTeardown drains outstanding work, asks the executor to shut down and
// arms the grace watchdog. done is closed once the context is terminated.
func (ec *execContext) beginTeardown(done chan struct{}) {
	if ec.State() == StateTerminated {
		close(done)
		return
	}
	ec.waiters = append(ec.waiters, done)
	if ec.State() == StateTerminating {
		return
	}

	ec.setState(StateTerminating)
	drainErr := terminated(errTornDown)
	if n := ec.table.drainAll(drainErr); n > 0 {
		ec.logger.Info("drained pending calls for teardown", "count", n)
	}
	if ec.finalizing {
		return
	}

	id := ec.ids.Add(1)
	p := &pendingCall{
		id:        id,
		kind:      kindTeardown,
		method:    wire.MethodTeardown,
		createdAt: time.Now(),
		resolve:   func(any) { ec.terminate(drainErr) },
		reject: func(err error) {
			ec.logger.Debug("teardown not acknowledged", "error", err)
			ec.terminate(drainErr)
		},
	}
	if ec.cfg.teardownGrace > 0 {
		p.watchdog = startWatchdog(id, ec.cfg.teardownGrace, ec.expired)
	}
	if err := ec.table.register(p); err != nil {
		ec.terminate(drainErr)
		return
	}
	ec.out.push(wire.NewCall(id, wire.MethodTeardown, nil))
	if ec.cfg.teardownGrace <= 0 {
		ec.terminate(drainErr)
	}
}

// terminate drains every pending call with err, kills the peer and stops
// the dispatcher. It is idempotent.
func (ec *execContext) terminate(err error) {
	if ec.finalizing {
		return
	}
	ec.finalizing = true
	ec.cause = err

	ec.setState(StateTerminating)
	if n := ec.table.drainAll(err); n > 0 {
		ec.logger.Info("drained pending calls", "count", n, "cause", err)
	}
	ec.out.close()
	if perr := ec.peer.Terminate(); perr != nil {
		ec.logger.Warn("terminate peer", "error", perr)
	}
	ec.setState(StateTerminated)
	ec.logger.Info("execution context terminated", "cause", err)

	for _, w := range ec.waiters {
		close(w)
	}
	ec.waiters = nil
}

// kill forces termination and waits for the dispatcher to stop.
func (ec *execContext) kill(err error) {
	ec.post(func() { ec.terminate(err) })
	<-ec.stopped
}

func (ec *execContext) stats() Stats {
	ch := make(chan Stats, 1)
	if !ec.post(func() { ch <- ec.table.stats() }) {
		return Stats{}
	}
	return <-ch
}

// outbox queues envelopes for the peer so the dispatcher never blocks on
// a slow writer.
type outbox struct {
	peer     transport.Transport
	onFail   func(error)
	onEncode func(id uint64, err error)

	mu     sync.Mutex
	queue  []*wire.Envelope
	closed bool
	wake   chan struct{}
}

// newOutbox returns an outbox for peer. onEncode is called for envelopes
// the codec refused; onFail for any other send error, after which the
// outbox stops.
func newOutbox(peer transport.Transport, onFail func(error), onEncode func(id uint64, err error)) *outbox {
	return &outbox{peer: peer, onFail: onFail, onEncode: onEncode, wake: make(chan struct{}, 1)}
}

func (o *outbox) push(env *wire.Envelope) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, env)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	for range o.wake {
		for {
			o.mu.Lock()
			if o.closed {
				o.mu.Unlock()
				return
			}
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			env := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()

			err := o.peer.Send(env)
			var encErr *wire.EncodeError
			if errors.As(err, &encErr) {
				o.onEncode(env.ID, err)
				continue
			}
			if err != nil {
				o.mu.Lock()
				closed := o.closed
				o.mu.Unlock()
				if !closed {
					o.onFail(err)
				}
				return
			}
		}
	}
}
