package transport

import (
	"context"
	"io"

	"github.com/caffeineduck/isobridge/wire"
)

// LocalSpawner runs an executor in a goroutine of the current process.
//
// Every envelope is encoded with the configured codec on the way through an
// io.Pipe, so the two sides never share memory. Terminate cancels the
// executor's context and closes the pipes; an executor that ignores its
// context keeps its goroutine until it returns. Use [Process] or the wasm
// transport when the executor may not cooperate.
type LocalSpawner struct {
	serve ServeFunc
	codec wire.Codec
}

// LocalOption configures a LocalSpawner.
type LocalOption func(*LocalSpawner)

// WithLocalCodec sets the codec used on the in-memory pipes. Default JSON.
func WithLocalCodec(c wire.Codec) LocalOption {
	return func(l *LocalSpawner) {
		l.codec = c
	}
}

// Local returns a spawner that runs serve for every spawned context.
func Local(serve ServeFunc, opts ...LocalOption) *LocalSpawner {
	l := &LocalSpawner{
		serve: serve,
		codec: wire.JSON(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LocalSpawner) Spawn(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// host -> executor
	execR, hostW := io.Pipe()
	// executor -> host
	hostR, execW := io.Pipe()

	runCtx, cancel := context.WithCancel(context.Background())

	closeAll := func() error {
		cancel()
		hostW.Close()
		execW.Close()
		execR.Close()
		hostR.Close()
		return nil
	}

	executorSide := NewStream(execR, execW, l.codec, closeAll)
	hostSide := NewStream(hostR, hostW, l.codec, closeAll)

	go func() {
		defer execW.Close()
		_ = l.serve(runCtx, executorSide)
	}()

	return hostSide, nil
}
