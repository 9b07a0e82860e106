// Package isobridge connects callers to isolated executors that share no
// memory with them.
//
// # Overview
//
// Work runs in an executor on the far side of a transport: an in-process
// pipe, a child process, or a WebAssembly guest. The caller talks to it
// through a [bridge.Bridge], which correlates concurrent calls and streams
// with their replies, enforces per-call timeouts, and owns the executor's
// lifecycle.
//
// # Basic Usage
//
//	reg := executor.NewRegistry()
//	executor.RegisterBuiltins(reg)
//	srv := executor.NewServer(reg)
//
//	b := bridge.New(transport.Local(srv.Serve))
//	if err := b.Initialize(ctx, nil); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Teardown(context.Background())
//
//	out, err := b.Execute(ctx, "echo", map[string]any{"x": 1})
//
//	// Streaming
//	s := b.Stream("count", map[string]any{"n": 3}, func(chunk any) {
//	    fmt.Println(chunk)
//	})
//	err = s.Wait()
//
// # Timeouts
//
// A call that exceeds its timeout cannot be interrupted on its own, so the
// whole execution context is torn down: the call fails with
// [bridge.ExecutionTimeoutError] and everything else in flight fails with
// [bridge.ContextTerminatedError]. Initialize starts a fresh context.
//
// See the [bridge], [executor], [transport], [transport/wasm] and [wire]
// packages for detailed API documentation.
package isobridge
