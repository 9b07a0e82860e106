package wasm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/isobridge/bridge"
	"github.com/caffeineduck/isobridge/transport/wasm"
	"github.com/caffeineduck/isobridge/wire"
)

const guestPath = "testdata/guest.wasm"

func guestRuntime(t *testing.T, opts ...wasm.RuntimeOption) *wasm.Runtime {
	t.Helper()
	if _, err := os.Stat(guestPath); err != nil {
		t.Skip("guest not built: GOOS=wasip1 GOARCH=wasm go build -o transport/wasm/testdata/guest.wasm ./transport/wasm/testdata/guest")
	}
	rt, err := wasm.NewRuntime(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestGuestEcho(t *testing.T) {
	rt := guestRuntime(t)
	spawner, err := rt.SpawnerFromFile(guestPath)
	require.NoError(t, err)

	b := bridge.New(spawner)
	require.NoError(t, b.Initialize(context.Background(), nil))
	defer b.Teardown(context.Background())

	out, err := b.Execute(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, out)
}

func TestGuestCBOR(t *testing.T) {
	rt := guestRuntime(t)
	spawner, err := rt.SpawnerFromFile(guestPath, wasm.WithCodec(wire.CBOR()), wasm.WithArgs("cbor"))
	require.NoError(t, err)

	b := bridge.New(spawner)
	require.NoError(t, b.Initialize(context.Background(), nil))
	defer b.Teardown(context.Background())

	_, err = b.Execute(context.Background(), "kv_set", map[string]any{"key": "k", "value": "v"})
	require.NoError(t, err)
	out, err := b.Execute(context.Background(), "kv_get", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "v", out)
}

func TestGuestTimeoutKillsInstance(t *testing.T) {
	rt := guestRuntime(t)
	spawner, err := rt.SpawnerFromFile(guestPath)
	require.NoError(t, err)

	b := bridge.New(spawner)
	require.NoError(t, b.Initialize(context.Background(), nil))
	defer b.Teardown(context.Background())

	start := time.Now()
	_, err = b.Execute(context.Background(), "sleep", map[string]any{"ms": 5000}, bridge.WithTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, bridge.ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, bridge.StateTerminated, b.State())

	require.NoError(t, b.Initialize(context.Background(), nil))
	out, err := b.Execute(context.Background(), "echo", "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", out)
}

func TestCompileCachesByName(t *testing.T) {
	rt := guestRuntime(t, wasm.WithDiskCache(filepath.Join(t.TempDir(), "cache")), wasm.WithMemoryLimitMB(256))
	source, err := os.ReadFile(guestPath)
	require.NoError(t, err)

	first, err := rt.Compile(context.Background(), "guest", source)
	require.NoError(t, err)
	second, err := rt.Compile(context.Background(), "guest", source)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestCompileRejectsGarbage(t *testing.T) {
	rt, err := wasm.NewRuntime(context.Background())
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Compile(context.Background(), "junk", []byte("not wasm"))
	assert.Error(t, err)

	_, err = rt.Spawner("junk", []byte("not wasm")).Spawn(context.Background())
	assert.Error(t, err)
}
