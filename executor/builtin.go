package executor

import (
	"context"
	"time"
)

// RegisterBuiltins adds the diagnostic methods every bundled executor
// understands:
//
//	echo   returns its params unchanged
//	sleep  waits params.ms milliseconds, then returns params.result
//	fail   returns an error with params.code and params.message
//	count  streams the integers 1..params.n, params.interval_ms apart
func RegisterBuiltins(r *Registry) {
	r.Register("echo", Echo)
	r.Register("sleep", Sleep)
	r.Register("fail", Fail)
	r.RegisterStream("count", Count)
}

func Echo(ctx context.Context, params any) (any, error) {
	return params, nil
}

func Sleep(ctx context.Context, params any) (any, error) {
	args, err := Args(params)
	if err != nil {
		return nil, err
	}
	ms, err := intArg(args, "ms", 0)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return args["result"], nil
	}
}

func Fail(ctx context.Context, params any) (any, error) {
	args, err := Args(params)
	if err != nil {
		return nil, err
	}
	code, _ := args["code"].(string)
	msg, _ := args["message"].(string)
	if msg == "" {
		msg = "requested failure"
	}
	return nil, &Error{Code: code, Message: msg}
}

func Count(ctx context.Context, params any, emit func(chunk any) error) error {
	args, err := Args(params)
	if err != nil {
		return err
	}
	n, err := intArg(args, "n", 0)
	if err != nil {
		return err
	}
	interval, err := intArg(args, "interval_ms", 0)
	if err != nil {
		return err
	}

	for i := 1; i <= n; i++ {
		if i > 1 && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(interval) * time.Millisecond):
			}
		}
		if err := emit(i); err != nil {
			return err
		}
	}
	return nil
}

// intArg accepts the numeric shapes produced by the JSON and CBOR codecs.
func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	default:
		return 0, Errorf(CodeInvalidParams, "%s: expected number, got %T", key, v)
	}
}
