package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/caffeineduck/isobridge/internal/logging"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func ValidKinds() []string {
	return []string{KindLocal, KindProcess, KindWasm}
}

func ValidCodecs() []string {
	return []string{"json", "cbor"}
}

// Validate returns every invalid value in c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Bridge.DefaultTimeout < 0 {
		errs = append(errs, ValidationError{"bridge.default_timeout", c.Bridge.DefaultTimeout, "must not be negative"})
	}
	if c.Bridge.InitTimeout <= 0 {
		errs = append(errs, ValidationError{"bridge.init_timeout", c.Bridge.InitTimeout, "must be positive"})
	}
	if c.Bridge.TeardownGrace < 0 {
		errs = append(errs, ValidationError{"bridge.teardown_grace", c.Bridge.TeardownGrace, "must not be negative"})
	}
	if c.Bridge.StreamIdleTimeout < 0 {
		errs = append(errs, ValidationError{"bridge.stream_idle_timeout", c.Bridge.StreamIdleTimeout, "must not be negative"})
	}

	if !slices.Contains(ValidKinds(), c.Transport.Kind) {
		errs = append(errs, ValidationError{"transport.kind", c.Transport.Kind, "must be one of " + strings.Join(ValidKinds(), ", ")})
	}
	if !slices.Contains(ValidCodecs(), strings.ToLower(c.Transport.Codec)) {
		errs = append(errs, ValidationError{"transport.codec", c.Transport.Codec, "must be one of " + strings.Join(ValidCodecs(), ", ")})
	}
	if c.Transport.MaxFrame <= 0 {
		errs = append(errs, ValidationError{"transport.max_frame", c.Transport.MaxFrame, "must be positive"})
	}
	if c.Transport.Kind == KindWasm && c.Transport.WasmPath == "" {
		errs = append(errs, ValidationError{"transport.wasm_path", c.Transport.WasmPath, "is required for the wasm transport"})
	}

	if !slices.Contains(logging.ValidLevels(), strings.ToUpper(c.Logging.Level)) {
		errs = append(errs, ValidationError{"logging.level", c.Logging.Level, "must be one of debug, info, warn, error"})
	}

	if c.Serve.Port < 0 || c.Serve.Port > 65535 {
		errs = append(errs, ValidationError{"serve.port", c.Serve.Port, "must be between 0 and 65535"})
	}
	if c.Serve.ContextTTL < 0 {
		errs = append(errs, ValidationError{"serve.context_ttl", c.Serve.ContextTTL, "must not be negative"})
	}

	return errs
}
