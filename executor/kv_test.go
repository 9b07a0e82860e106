package executor

import (
	"context"
	"sync"
	"testing"
)

func TestKVSetGet(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	_, err := kv.Set(ctx, map[string]any{"key": "foo", "value": "bar"})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := kv.Get(ctx, map[string]any{"key": "foo"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "bar" {
		t.Errorf("expected bar, got %v", val)
	}
}

func TestKVGetDefault(t *testing.T) {
	kv := NewKV(DefaultKVConfig())

	val, err := kv.Get(context.Background(), map[string]any{"key": "missing", "default": "fallback"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "fallback" {
		t.Errorf("expected fallback, got %v", val)
	}
}

func TestKVDelete(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, map[string]any{"key": "foo", "value": "bar"})
	kv.Delete(ctx, map[string]any{"key": "foo"})

	val, _ := kv.Get(ctx, map[string]any{"key": "foo"})
	if val != nil {
		t.Errorf("expected nil after delete, got %v", val)
	}
}

func TestKVKeysSorted(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, map[string]any{"key": "c", "value": 3.0})
	kv.Set(ctx, map[string]any{"key": "a", "value": 1.0})
	kv.Set(ctx, map[string]any{"key": "b", "value": 2.0})

	result, err := kv.Keys(ctx, nil)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	keys := result.([]string)
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Errorf("expected [a b c], got %v", keys)
	}
}

func TestKVLimits(t *testing.T) {
	kv := NewKV(KVConfig{MaxKeySize: 4, MaxValueSize: 4, MaxEntries: 1})
	ctx := context.Background()

	if _, err := kv.Set(ctx, map[string]any{"key": "toolong", "value": "x"}); err == nil {
		t.Error("expected key size error")
	}
	if _, err := kv.Set(ctx, map[string]any{"key": "k", "value": "toolong"}); err == nil {
		t.Error("expected value size error")
	}
	if _, err := kv.Set(ctx, map[string]any{"key": "k", "value": "v"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := kv.Set(ctx, map[string]any{"key": "j", "value": "v"}); err == nil {
		t.Error("expected entry limit error")
	}
	if _, err := kv.Set(ctx, map[string]any{"key": "k", "value": "w"}); err != nil {
		t.Errorf("overwriting an existing key should not hit the entry limit: %v", err)
	}
}

func TestKVMissingKey(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	if _, err := kv.Get(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error for missing key")
	}
	if _, err := kv.Get(context.Background(), "not a map"); err == nil {
		t.Error("expected error for non-object params")
	}
}

func TestKVConcurrentAccess(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kv.Set(ctx, map[string]any{"key": "shared", "value": "v"})
			kv.Get(ctx, map[string]any{"key": "shared"})
		}()
	}
	wg.Wait()
}
