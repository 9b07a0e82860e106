package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/isobridge/internal/logging"
	"github.com/caffeineduck/isobridge/transport"
	"github.com/caffeineduck/isobridge/wire"
)

// ErrCanceled is returned by emit once the caller has canceled the stream.
var ErrCanceled = errors.New("call canceled")

// Logger is the subset of a structured logger the server writes to.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// InitFunc receives the bootstrap payload sent by the bridge. Returning an
// error fails the bridge's initialization.
type InitFunc func(ctx context.Context, bootstrap any) error

// Server is the executor side of a bridge: it answers calls arriving on a
// transport with the handlers of a Registry.
//
// Calls run concurrently, one goroutine each. A cancel envelope cancels the
// handler's context and suppresses anything the handler emits afterwards.
type Server struct {
	registry *Registry
	logger   Logger
	onInit   InitFunc

	mu       sync.Mutex
	inflight map[uint64]*inflightCall
}

type inflightCall struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInit sets the hook that handles the bootstrap call.
func WithInit(fn InitFunc) ServerOption {
	return func(s *Server) {
		s.onInit = fn
	}
}

// WithServerLogger sets the server's logger. Default discards.
func WithServerLogger(l Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a Server dispatching to registry.
func NewServer(registry *Registry, opts ...ServerOption) *Server {
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Server{
		registry: registry,
		logger:   logging.NopLogger(),
		inflight: make(map[uint64]*inflightCall),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve reads envelopes from t until the transport closes, ctx is done, or
// the bridge sends its teardown call. A clean end of stream returns nil.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		env, err := t.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}

		switch env.Type {
		case wire.TypeCall:
			switch env.Payload.Method {
			case wire.MethodInitialize:
				s.handleInit(ctx, t, env)
			case wire.MethodTeardown:
				cancel()
				s.send(t, wire.NewResponse(env.ID, nil))
				s.logger.Debug("teardown received", "request_id", env.ID)
				return nil
			default:
				s.dispatch(ctx, t, env)
			}
		case wire.TypeCancel:
			s.cancelCall(env.ID)
		default:
			s.logger.Warn("unexpected envelope", "type", string(env.Type), "request_id", env.ID)
		}
	}
}

func (s *Server) handleInit(ctx context.Context, t transport.Transport, env *wire.Envelope) {
	if s.onInit != nil {
		if err := s.onInit(ctx, env.Payload.Params); err != nil {
			s.send(t, wire.NewError(env.ID, CodeInitFailed, err.Error()))
			return
		}
	}
	s.send(t, wire.NewResponse(env.ID, nil))
}

func (s *Server) dispatch(ctx context.Context, t transport.Transport, env *wire.Envelope) {
	id, method := env.ID, env.Payload.Method

	e, ok := s.registry.get(method)
	if !ok {
		s.send(t, wire.NewError(id, CodeUnknownMethod, "unknown method: "+method))
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	call := &inflightCall{cancel: cancel}

	s.mu.Lock()
	if _, dup := s.inflight[id]; dup {
		s.mu.Unlock()
		cancel()
		s.send(t, wire.NewError(id, CodeHandlerFailed, fmt.Sprintf("request %d already in flight", id)))
		return
	}
	s.inflight[id] = call
	s.mu.Unlock()

	go func() {
		defer s.finish(id)
		if e.stream != nil {
			s.runStream(callCtx, t, call, id, e.stream, env.Payload.Params)
			return
		}
		s.runCall(callCtx, t, call, id, e.fn, env.Payload.Params)
	}()
}

func (s *Server) runCall(ctx context.Context, t transport.Transport, call *inflightCall, id uint64, fn Func, params any) {
	var result any
	err := protect(func() error {
		var err error
		result, err = fn(ctx, params)
		return err
	})

	if call.canceled.Load() {
		return
	}
	if err != nil {
		code, msg := errorCode(err)
		s.send(t, wire.NewError(id, code, msg))
		return
	}
	s.reply(t, wire.NewResponse(id, result))
}

func (s *Server) runStream(ctx context.Context, t transport.Transport, call *inflightCall, id uint64, fn StreamFunc, params any) {
	var emitErr error
	emit := func(chunk any) error {
		if call.canceled.Load() || ctx.Err() != nil {
			return ErrCanceled
		}
		err := t.Send(wire.NewChunk(id, chunk))
		if isEncodeError(err) && emitErr == nil {
			emitErr = &Error{Code: CodeHandlerFailed, Message: err.Error()}
			return emitErr
		}
		return err
	}

	err := protect(func() error {
		return fn(ctx, params, emit)
	})

	if call.canceled.Load() {
		return
	}
	if err == nil {
		err = emitErr
	}
	if err != nil {
		code, msg := errorCode(err)
		s.send(t, wire.NewError(id, code, msg))
		return
	}
	s.reply(t, wire.NewEnd(id))
}

func (s *Server) cancelCall(id uint64) {
	s.mu.Lock()
	call, ok := s.inflight[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	call.canceled.Store(true)
	call.cancel()
	s.logger.Debug("call canceled", "request_id", id)
}

func (s *Server) finish(id uint64) {
	s.mu.Lock()
	call, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if ok {
		call.cancel()
	}
}

// Inflight returns the number of calls currently running.
func (s *Server) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Server) send(t transport.Transport, env *wire.Envelope) {
	if err := t.Send(env); err != nil {
		s.logger.Debug("send failed", "envelope", env.String(), "error", err)
	}
}

// reply sends a terminal envelope. If it cannot be encoded the caller gets
// an error envelope for the same id instead.
func (s *Server) reply(t transport.Transport, env *wire.Envelope) {
	err := t.Send(env)
	if err == nil {
		return
	}
	if !isEncodeError(err) {
		s.logger.Debug("send failed", "envelope", env.String(), "error", err)
		return
	}
	s.logger.Warn("reply not encodable", "request_id", env.ID, "type", string(env.Type), "error", err)
	s.send(t, wire.NewError(env.ID, CodeHandlerFailed, err.Error()))
}

func isEncodeError(err error) bool {
	var encErr *wire.EncodeError
	return errors.As(err, &encErr)
}

// protect runs fn and converts a panic into a coded error so one faulty
// handler cannot take the executor down.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Code: CodePanic, Message: fmt.Sprintf("%v\n%s", r, debug.Stack())}
		}
	}()
	return fn()
}
