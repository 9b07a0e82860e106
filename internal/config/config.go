// Package config loads isobridge settings from defaults, an optional config
// file, ISOBRIDGE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete isobridge configuration.
type Config struct {
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Transport TransportConfig `mapstructure:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Serve     ServeConfig     `mapstructure:"serve"`
}

// BridgeConfig holds the caller-side timeouts.
type BridgeConfig struct {
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	InitTimeout       time.Duration `mapstructure:"init_timeout"`
	TeardownGrace     time.Duration `mapstructure:"teardown_grace"`
	// StreamIdleTimeout of zero disables idle cancellation.
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout"`
}

// TransportConfig selects how executors are spawned.
type TransportConfig struct {
	// Kind is local, process or wasm.
	Kind     string `mapstructure:"kind"`
	Codec    string `mapstructure:"codec"`
	MaxFrame int    `mapstructure:"max_frame"`
	// Command and Args start the executor for the process kind. An empty
	// Command re-executes isobridge as a worker.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// WasmPath is the guest module for the wasm kind.
	WasmPath string `mapstructure:"wasm_path"`
	// WasmMemoryMB caps guest memory; zero leaves the wazero default.
	WasmMemoryMB uint32 `mapstructure:"wasm_memory"`
	DiskCache    bool   `mapstructure:"disk_cache"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Dir receives isobridge.log; empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

type ServeConfig struct {
	Port int `mapstructure:"port"`
	// ContextTTL reaps contexts idle for longer; zero disables reaping.
	ContextTTL time.Duration `mapstructure:"context_ttl"`
}

const (
	KindLocal   = "local"
	KindProcess = "process"
	KindWasm    = "wasm"
)

func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			DefaultTimeout: 5 * time.Second,
			InitTimeout:    30 * time.Second,
			TeardownGrace:  500 * time.Millisecond,
		},
		Transport: TransportConfig{
			Kind:     KindLocal,
			Codec:    "json",
			MaxFrame: 16 << 20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Serve: ServeConfig{
			Port:       8080,
			ContextTTL: 10 * time.Minute,
		},
	}
}

// SetDefaults registers every key with v so env overrides and Unmarshal
// see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("bridge.default_timeout", d.Bridge.DefaultTimeout)
	v.SetDefault("bridge.init_timeout", d.Bridge.InitTimeout)
	v.SetDefault("bridge.teardown_grace", d.Bridge.TeardownGrace)
	v.SetDefault("bridge.stream_idle_timeout", d.Bridge.StreamIdleTimeout)

	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.codec", d.Transport.Codec)
	v.SetDefault("transport.max_frame", d.Transport.MaxFrame)
	v.SetDefault("transport.command", d.Transport.Command)
	v.SetDefault("transport.args", d.Transport.Args)
	v.SetDefault("transport.wasm_path", d.Transport.WasmPath)
	v.SetDefault("transport.wasm_memory", d.Transport.WasmMemoryMB)
	v.SetDefault("transport.disk_cache", d.Transport.DiskCache)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("serve.port", d.Serve.Port)
	v.SetDefault("serve.context_ttl", d.Serve.ContextTTL)
}

// New returns a viper instance with defaults and environment binding set
// up. When file is non-empty it is read as the config file; otherwise
// isobridge.{yaml,toml,json} is searched in the working directory and
// $HOME/.config/isobridge, and a missing file is not an error.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("ISOBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("isobridge")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/isobridge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
