package bridge

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrAlreadyInitialized = errors.New("bridge: already initialized")
	ErrInitialization     = errors.New("bridge: initialization failed")
	ErrExecutionTimeout   = errors.New("bridge: execution timed out")
	ErrExecutor           = errors.New("bridge: executor reported an error")
	ErrContextTerminated  = errors.New("bridge: execution context terminated")
	ErrDuplicateID        = errors.New("bridge: duplicate request id")

	// ErrStreamCanceled is the outcome of a stream the caller canceled.
	ErrStreamCanceled = errors.New("bridge: stream canceled")
	// ErrStreamIdle is the outcome of a stream that produced no chunk
	// within the configured idle timeout.
	ErrStreamIdle = errors.New("bridge: stream idle timeout")
	// ErrReservedMethod rejects calls to the lifecycle methods.
	ErrReservedMethod = errors.New("bridge: reserved method")
	// ErrUnencodable rejects a call or stream whose envelope the transport
	// codec could not encode. It wraps the *wire.EncodeError.
	ErrUnencodable = errors.New("bridge: request not encodable")

	errNotInitialized = errors.New("context not initialized")
	errTornDown       = errors.New("torn down")
)

// InitializationError reports that the bootstrap call failed or timed out;
// the context never became Ready.
type InitializationError struct {
	Cause error
}

func (e *InitializationError) Error() string {
	if e.Cause == nil {
		return "initialization failed"
	}
	return "initialization failed: " + e.Cause.Error()
}

func (e *InitializationError) Unwrap() error        { return e.Cause }
func (e *InitializationError) Is(target error) bool { return target == ErrInitialization }

// AlreadyInitializedError reports an Initialize call on a live context.
type AlreadyInitializedError struct {
	State State
}

func (e *AlreadyInitializedError) Error() string {
	return fmt.Sprintf("already initialized (state %s)", e.State)
}

func (e *AlreadyInitializedError) Is(target error) bool { return target == ErrAlreadyInitialized }

// ExecutionTimeoutError reports a call that exceeded its timeout. The
// context it ran on has been torn down.
type ExecutionTimeoutError struct {
	ID      uint64
	Method  string
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("%s (request %d) timed out after %v", e.Method, e.ID, e.Timeout)
}

func (e *ExecutionTimeoutError) Is(target error) bool { return target == ErrExecutionTimeout }

// ExecutorError is a failure the executor reported for one request. The
// context stays usable.
type ExecutorError struct {
	ID      uint64
	Method  string
	Code    string
	Message string
}

func (e *ExecutorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: executor error [%s]: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: executor error: %s", e.Method, e.Message)
}

func (e *ExecutorError) Is(target error) bool { return target == ErrExecutor }

// ContextTerminatedError reports a call made on, or drained from, a
// terminated context. Cause names what terminated it.
type ContextTerminatedError struct {
	Cause error
}

func (e *ContextTerminatedError) Error() string {
	if e.Cause == nil {
		return "execution context terminated"
	}
	return "execution context terminated: " + e.Cause.Error()
}

func (e *ContextTerminatedError) Unwrap() error        { return e.Cause }
func (e *ContextTerminatedError) Is(target error) bool { return target == ErrContextTerminated }

// DuplicateIDError is an internal invariant violation: an id was registered
// while already outstanding.
type DuplicateIDError struct {
	ID uint64
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("request id %d already registered", e.ID)
}

func (e *DuplicateIDError) Is(target error) bool { return target == ErrDuplicateID }

func terminated(cause error) error {
	var cte *ContextTerminatedError
	if errors.As(cause, &cte) {
		return cause
	}
	return &ContextTerminatedError{Cause: cause}
}
