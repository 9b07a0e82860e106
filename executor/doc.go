// Package executor implements the executor side of a bridge: it reads call
// envelopes from a transport, runs registered handlers concurrently and
// writes back responses, errors, stream chunks and stream ends.
//
// # Handlers
//
// A Func answers once; a StreamFunc emits any number of chunks before
// returning. Handler failures are reported to the caller as error envelopes
// carrying a code, and panics are recovered the same way:
//
//	reg := executor.NewRegistry()
//	reg.Register("add", func(ctx context.Context, params any) (any, error) {
//	    args, err := executor.Args(params)
//	    if err != nil {
//	        return nil, err
//	    }
//	    a, _ := args["a"].(float64)
//	    b, _ := args["b"].(float64)
//	    return a + b, nil
//	})
//
// # Lifecycle
//
// Server answers bridge.initialize through the WithInit hook and
// bridge.teardown by replying and returning from Serve. A cancel envelope
// cancels the handler's context; nothing it emits afterwards is sent.
//
// # Built-ins
//
// RegisterBuiltins adds echo, sleep, fail and the count stream. KV adds an
// in-memory key-value store with size and entry limits.
package executor
