// Package transport carries envelopes between a bridge and an isolated
// executor.
//
// A [Spawner] creates the executor's peer and hands back the host side of
// the channel as a [Transport]. The bridge owns that Transport exclusively
// and is the only caller of Terminate.
//
// Three spawners ship with the package family:
//
//   - [Local] runs an executor function in a goroutine over in-memory pipes
//   - [Process] runs an executor binary as a child process over stdio
//   - the wasm subpackage runs a WebAssembly guest under wazero
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/caffeineduck/isobridge/wire"
)

var ErrClosed = errors.New("transport closed")

// Transport is a duplex, per-channel ordered envelope stream.
//
// Send may be called from multiple goroutines. Recv must only be called
// from one goroutine at a time. Terminate forcibly stops the peer, unblocks
// any pending Recv and is safe to call more than once.
type Transport interface {
	Send(env *wire.Envelope) error
	Recv() (*wire.Envelope, error)
	Terminate() error
}

// Spawner starts a new isolated executor and returns the host side of its
// channel. The context bounds the spawn itself, not the executor's life.
type Spawner interface {
	Spawn(ctx context.Context) (Transport, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context) (Transport, error)

func (f SpawnerFunc) Spawn(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// ServeFunc runs the executor side of a channel until the transport closes
// or ctx is done.
type ServeFunc func(ctx context.Context, t Transport) error

// Stream frames envelopes over a byte stream pair.
type Stream struct {
	enc    wire.Encoder
	dec    wire.Decoder
	closer func() error

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewStream returns a Transport reading envelopes from r and writing them to
// w with codec. closer, if non-nil, is called once by Terminate and must
// release whatever backs r and w.
func NewStream(r io.Reader, w io.Writer, codec wire.Codec, closer func() error) *Stream {
	return &Stream{
		enc:    codec.NewEncoder(w),
		dec:    codec.NewDecoder(r),
		closer: closer,
		closed: make(chan struct{}),
	}
}

func (s *Stream) Send(env *wire.Envelope) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(env)
}

func (s *Stream) Recv() (*wire.Envelope, error) {
	env, err := s.dec.Decode()
	if err != nil {
		select {
		case <-s.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	return env, nil
}

func (s *Stream) Terminate() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// Done is closed once Terminate has been called.
func (s *Stream) Done() <-chan struct{} {
	return s.closed
}
