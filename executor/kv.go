package executor

import (
	"context"
	"sort"
	"sync"
)

// KVConfig bounds the executor-local key-value store.
type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   256,
		MaxValueSize: 64 * 1024,
		MaxEntries:   1000,
	}
}

// KV is an in-memory store that lives as long as its executor, letting a
// context keep state across calls.
type KV struct {
	cfg  KVConfig
	data map[string]any
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig) *KV {
	return &KV{cfg: cfg, data: make(map[string]any)}
}

// Register exposes the store as kv_get, kv_set, kv_delete and kv_keys.
func (s *KV) Register(r *Registry) {
	r.Register("kv_get", s.Get)
	r.Register("kv_set", s.Set)
	r.Register("kv_delete", s.Delete)
	r.Register("kv_keys", s.Keys)
}

func (s *KV) key(params any) (map[string]any, string, error) {
	args, err := Args(params)
	if err != nil {
		return nil, "", err
	}
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return nil, "", Errorf(CodeInvalidParams, "key required")
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return nil, "", Errorf(CodeInvalidParams, "key exceeds %d bytes", s.cfg.MaxKeySize)
	}
	return args, key, nil
}

func (s *KV) Get(ctx context.Context, params any) (any, error) {
	args, key, err := s.key(params)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		return args["default"], nil
	}
	return val, nil
}

func (s *KV) Set(ctx context.Context, params any) (any, error) {
	args, key, err := s.key(params)
	if err != nil {
		return nil, err
	}
	val, ok := args["value"]
	if !ok {
		return nil, Errorf(CodeInvalidParams, "value required")
	}
	if str, isStr := val.(string); isStr && s.cfg.MaxValueSize > 0 && len(str) > s.cfg.MaxValueSize {
		return nil, Errorf(CodeInvalidParams, "value exceeds %d bytes", s.cfg.MaxValueSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return nil, Errorf("kv_full", "store holds %d entries", s.cfg.MaxEntries)
	}
	s.data[key] = val
	return "ok", nil
}

func (s *KV) Delete(ctx context.Context, params any) (any, error) {
	_, key, err := s.key(params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return "ok", nil
}

func (s *KV) Keys(ctx context.Context, params any) (any, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}
