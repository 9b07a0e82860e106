// Package wasm runs executors as WebAssembly guests under wazero. Each
// spawned context is a fresh module instance that talks to the bridge over
// its stdin and stdout; terminating the transport cancels the instance.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/caffeineduck/isobridge/transport"
	"github.com/caffeineduck/isobridge/wire"
)

// Runtime owns a wazero runtime and a cache of compiled guests.
type Runtime struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
	mu       sync.RWMutex
	closed   bool
}

type runtimeConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeConfig)

// WithDiskCache persists compiled modules under dir, or under the user
// cache directory when dir is empty.
func WithDiskCache(dir string) RuntimeOption {
	return func(c *runtimeConfig) {
		c.diskCache = true
		c.cacheDir = dir
	}
}

// WithMemoryLimitPages caps guest memory in 64 KiB pages.
func WithMemoryLimitPages(pages uint32) RuntimeOption {
	return func(c *runtimeConfig) { c.memoryLimitPages = pages }
}

// WithMemoryLimitMB caps guest memory in mebibytes.
func WithMemoryLimitMB(mb uint32) RuntimeOption {
	return WithMemoryLimitPages(mb * 16)
}

func NewRuntime(ctx context.Context, opts ...RuntimeOption) (*Runtime, error) {
	var cfg runtimeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &Runtime{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Compile compiles source under name, returning the cached module when
// name was compiled before.
func (r *Runtime) Compile(ctx context.Context, name string, source []byte) (wazero.CompiledModule, error) {
	r.mu.RLock()
	if compiled, ok := r.compiled[name]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("compile %s: runtime closed", name)
	}
	if compiled, ok := r.compiled[name]; ok {
		return compiled, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	r.compiled[name] = compiled
	return compiled, nil
}

// Close releases the runtime and cache. Running guests are closed too.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	ctx := context.Background()
	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Spawner instantiates a guest per execution context.
type Spawner struct {
	rt     *Runtime
	name   string
	source []byte
	codec  wire.Codec
	args   []string
	stderr io.Writer
}

// SpawnOption configures a Spawner.
type SpawnOption func(*Spawner)

func WithCodec(c wire.Codec) SpawnOption {
	return func(s *Spawner) { s.codec = c }
}

// WithArgs sets the guest's argv after the program name.
func WithArgs(args ...string) SpawnOption {
	return func(s *Spawner) { s.args = args }
}

func WithStderr(w io.Writer) SpawnOption {
	return func(s *Spawner) { s.stderr = w }
}

// Spawner returns a spawner for the guest compiled from source.
func (r *Runtime) Spawner(name string, source []byte, opts ...SpawnOption) *Spawner {
	s := &Spawner{rt: r, name: name, source: source, codec: wire.JSON()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpawnerFromFile reads a guest module from path.
func (r *Runtime) SpawnerFromFile(path string, opts ...SpawnOption) (*Spawner, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest: %w", err)
	}
	return r.Spawner(filepath.Base(path), source, opts...), nil
}

func (s *Spawner) Spawn(ctx context.Context) (transport.Transport, error) {
	compiled, err := s.rt.Compile(ctx, s.name, s.source)
	if err != nil {
		return nil, err
	}

	// host -> guest stdin
	guestIn, hostW := io.Pipe()
	// guest stdout -> host
	hostR, guestOut := io.Pipe()

	runCtx, cancel := context.WithCancel(context.Background())

	moduleConfig := wazero.NewModuleConfig().
		WithStdin(guestIn).
		WithStdout(guestOut).
		WithArgs(append([]string{s.name}, s.args...)...).
		WithName("")
	if s.stderr != nil {
		moduleConfig = moduleConfig.WithStderr(s.stderr)
	}

	closeAll := func() error {
		cancel()
		hostW.Close()
		guestOut.Close()
		guestIn.Close()
		hostR.Close()
		return nil
	}

	go func() {
		mod, err := s.rt.runtime.InstantiateModule(runCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		guestOut.CloseWithError(exitError(err))
	}()

	return transport.NewStream(hostR, hostW, s.codec, closeAll), nil
}

// exitError maps a guest exit to the error the host side reads; a clean
// exit reads as end of stream.
func exitError(err error) error {
	var exit *sys.ExitError
	if err == nil || (errors.As(err, &exit) && exit.ExitCode() == 0) {
		return nil
	}
	return fmt.Errorf("guest exited: %w", err)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "isobridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "isobridge")
	}
	return filepath.Join(os.TempDir(), "isobridge-cache")
}
