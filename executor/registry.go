package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Func handles a single-shot call. params is the decoded call payload:
// maps arrive as map[string]any.
type Func func(ctx context.Context, params any) (any, error)

// StreamFunc handles a streaming call by invoking emit once per chunk.
// emit returns an error once the call has been canceled; handlers should
// stop producing when it does. Returning nil ends the stream.
type StreamFunc func(ctx context.Context, params any, emit func(chunk any) error) error

type entry struct {
	fn     Func
	stream StreamFunc
}

// Registry maps method names to handlers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]entry)}
}

// Register adds or replaces a single-shot handler.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.methods[name] = entry{fn: fn}
	r.mu.Unlock()
}

// RegisterStream adds or replaces a streaming handler.
func (r *Registry) RegisterStream(name string, fn StreamFunc) {
	r.mu.Lock()
	r.methods[name] = entry{stream: fn}
	r.mu.Unlock()
}

func (r *Registry) get(name string) (entry, bool) {
	r.mu.RLock()
	e, ok := r.methods[name]
	r.mu.RUnlock()
	return e, ok
}

// List returns the registered method names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Error is a handler failure carrying a machine-readable code that travels
// to the caller in the error envelope.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Errorf returns an *Error with the given code.
func Errorf(code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error codes produced by the server itself.
const (
	CodeUnknownMethod = "unknown_method"
	CodeInvalidParams = "invalid_params"
	CodeHandlerFailed = "handler_failed"
	CodeInitFailed    = "init_failed"
	CodePanic         = "panic"
)

func errorCode(err error) (code, msg string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	return CodeHandlerFailed, err.Error()
}

// Args returns params as a map, or an invalid_params error.
func Args(params any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	m, ok := params.(map[string]any)
	if !ok {
		return nil, Errorf(CodeInvalidParams, "expected object params, got %T", params)
	}
	return m, nil
}
