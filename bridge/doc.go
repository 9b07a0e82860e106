// Package bridge connects a caller to an isolated executor that shares no
// memory with it.
//
// A Bridge spawns a peer through a transport.Spawner, bootstraps it with
// Initialize, and then correlates concurrent Execute calls and Stream
// subscriptions with the executor's replies by request id:
//
//	b := bridge.New(transport.Local(server.Serve), bridge.WithDefaultTimeout(time.Second))
//	if err := b.Initialize(ctx, map[string]any{"name": "demo"}); err != nil {
//		return err
//	}
//	defer b.Teardown(context.Background())
//
//	out, err := b.Execute(ctx, "echo", map[string]any{"x": 1})
//
// Each call has a watchdog. A timeout cannot be recovered per call, so it
// tears down the whole execution context: the timed-out call fails with
// *ExecutionTimeoutError and every other outstanding call or stream fails
// with *ContextTerminatedError. Executor-reported failures (*ExecutorError)
// and requests the codec cannot encode (ErrUnencodable) affect only their
// own request.
//
// All bookkeeping for a context is confined to one dispatcher goroutine;
// Bridge methods are safe for concurrent use.
package bridge
