package bridge

import (
	"sync"
	"sync/atomic"
)

// Stream is a handle on one streaming call. Chunks are delivered to the
// onChunk callback in arrival order on a goroutine owned by the stream, so
// the callback may call Cancel.
type Stream struct {
	id      uint64
	method  string
	onChunk func(chunk any)
	cancel  func(id uint64)

	canceled atomic.Bool

	mu       sync.Mutex
	queue    []any
	finished bool
	final    error
	wake     chan struct{}

	once sync.Once
	err  error
	done chan struct{}
}

func newStream(id uint64, method string, onChunk func(any), cancel func(uint64)) *Stream {
	s := &Stream{
		id:      id,
		method:  method,
		onChunk: onChunk,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.deliver()
	return s
}

// ID returns the request id the stream was issued under.
func (s *Stream) ID() uint64 { return s.id }

func (s *Stream) Method() string { return s.method }

// Done is closed once the stream has an outcome.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the stream's outcome once Done is closed: nil after a normal
// end, an *ExecutorError, a *ContextTerminatedError, ErrStreamIdle or
// ErrStreamCanceled. It returns nil while the stream is live.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the stream finishes and returns Err.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// Cancel stops the stream and no end or error outcome replaces
// ErrStreamCanceled. Called from onChunk, no further chunk is delivered.
// Called from another goroutine, a single chunk already handed to the
// delivery goroutine may still reach onChunk after Cancel returns; queued
// chunks behind it are dropped. Cancel after the stream finished, and
// repeated Cancel, are no-ops.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if !s.canceled.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.queue = nil
	s.mu.Unlock()

	s.complete(ErrStreamCanceled)
	s.signal()
	if s.cancel != nil {
		s.cancel(s.id)
	}
}

func (s *Stream) push(chunk any) {
	s.mu.Lock()
	if s.finished || s.canceled.Load() {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	s.signal()
}

// finish records the terminal outcome; queued chunks are delivered first.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.final = err
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) complete(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Stream) deliver() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.canceled.Load() {
				s.mu.Unlock()
				return
			}
			if len(s.queue) > 0 {
				chunk := s.queue[0]
				s.queue[0] = nil
				s.queue = s.queue[1:]
				s.mu.Unlock()
				if s.onChunk != nil {
					s.onChunk(chunk)
				}
				continue
			}
			finished, final := s.finished, s.final
			s.mu.Unlock()
			if finished {
				s.complete(final)
				return
			}
			break
		}
	}
}
