package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caffeineduck/isobridge/bridge"
	"github.com/caffeineduck/isobridge/executor"
	"github.com/caffeineduck/isobridge/internal/config"
	"github.com/caffeineduck/isobridge/internal/logging"
	"github.com/caffeineduck/isobridge/transport"
	"github.com/caffeineduck/isobridge/transport/wasm"
	"github.com/caffeineduck/isobridge/wire"
)

var rootCmd = &cobra.Command{
	Use:   "isobridge",
	Short: "Call into isolated executors over a message bridge",
	Long: `isobridge - Run work in an isolated executor that shares no memory with the caller.

Calls travel as envelopes over a local pipe, a child process or a
WebAssembly guest. Every call has a timeout; a timeout tears the executor
down and fails everything else that was in flight.

Configuration is read from isobridge.yaml (or --config), ISOBRIDGE_*
environment variables and flags, in increasing priority.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var (
	cfgViper *viper.Viper
	appCfg   *config.Config
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: ./isobridge.yaml)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-dir", "", "Write logs to DIR/isobridge.log instead of stderr")
	flags.String("transport", "", "Executor transport: local, process, wasm")
	flags.String("codec", "", "Wire codec: json, cbor")
	flags.String("wasm", "", "Guest module for the wasm transport")
	flags.Duration("timeout", 0, "Default call timeout (0 keeps the configured value)")
}

var flagKeys = map[string]string{
	"log-level": "logging.level",
	"log-dir":   "logging.dir",
	"transport": "transport.kind",
	"codec":     "transport.codec",
	"wasm":      "transport.wasm_path",
	"timeout":   "bridge.default_timeout",
}

func loadConfig(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("config")
	v, err := config.New(file)
	if err != nil {
		return err
	}
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if flag == "timeout" && f.Value.String() == "0s" {
			continue
		}
		v.Set(key, f.Value.String())
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	cfgViper, appCfg = v, cfg
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLogger(cfg.Logging.Dir, logging.ParseLevel(cfg.Logging.Level))
}

func codecFor(cfg *config.Config) (wire.Codec, error) {
	return wire.ParseCodec(cfg.Transport.Codec, wire.WithMaxFrame(cfg.Transport.MaxFrame))
}

// newWorkerServer is the executor every transport kind runs.
func newWorkerServer(logger *logging.Logger) *executor.Server {
	reg := executor.NewRegistry()
	executor.RegisterBuiltins(reg)
	executor.NewKV(executor.DefaultKVConfig()).Register(reg)
	return executor.NewServer(reg, executor.WithServerLogger(logger.WithComponent("executor")))
}

// newSpawner builds the spawner cfg selects. The returned cleanup releases
// runtime resources and must be called once no bridge uses the spawner.
func newSpawner(ctx context.Context, cfg *config.Config, logger *logging.Logger) (transport.Spawner, func(), error) {
	codec, err := codecFor(cfg)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Transport.Kind {
	case config.KindLocal:
		spawner := transport.SpawnerFunc(func(ctx context.Context) (transport.Transport, error) {
			return transport.Local(newWorkerServer(logger).Serve, transport.WithLocalCodec(codec)).Spawn(ctx)
		})
		return spawner, func() {}, nil

	case config.KindProcess:
		command, args := cfg.Transport.Command, cfg.Transport.Args
		if command == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, nil, fmt.Errorf("locate worker binary: %w", err)
			}
			command = self
			args = []string{"worker", "--codec", codec.Name()}
		}
		return transport.Process(command, args, transport.WithProcessCodec(codec)), func() {}, nil

	case config.KindWasm:
		var opts []wasm.RuntimeOption
		if cfg.Transport.DiskCache {
			opts = append(opts, wasm.WithDiskCache(""))
		}
		if cfg.Transport.WasmMemoryMB > 0 {
			opts = append(opts, wasm.WithMemoryLimitMB(cfg.Transport.WasmMemoryMB))
		}
		rt, err := wasm.NewRuntime(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		spawner, err := rt.SpawnerFromFile(cfg.Transport.WasmPath, wasm.WithCodec(codec), wasm.WithArgs(codec.Name()))
		if err != nil {
			rt.Close()
			return nil, nil, err
		}
		return spawner, func() { rt.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

func bridgeOptions(cfg *config.Config, logger *logging.Logger) []bridge.Option {
	return []bridge.Option{
		bridge.WithDefaultTimeout(cfg.Bridge.DefaultTimeout),
		bridge.WithInitTimeout(cfg.Bridge.InitTimeout),
		bridge.WithTeardownGrace(cfg.Bridge.TeardownGrace),
		bridge.WithStreamIdleTimeout(cfg.Bridge.StreamIdleTimeout),
		bridge.WithLogger(logger.WithComponent("bridge")),
	}
}

// parseParams decodes a JSON argument; bare words are passed as strings.
func parseParams(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		if strings.ContainsAny(s[:1], "{[\"") {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		return s, nil
	}
	return v, nil
}

func formatResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}
