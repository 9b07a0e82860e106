package bridge

import "time"

const (
	DefaultTimeout       = 5 * time.Second
	DefaultInitTimeout   = 30 * time.Second
	DefaultTeardownGrace = 500 * time.Millisecond
)

// Logger is the logging surface the bridge needs. *slog.Logger and the
// isobridge internal logger both satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type config struct {
	defaultTimeout    time.Duration
	initTimeout       time.Duration
	teardownGrace     time.Duration
	streamIdleTimeout time.Duration
	logger            Logger
	id                string
}

// Option configures a Bridge.
type Option func(*config)

// WithDefaultTimeout sets the timeout applied to Execute calls that do not
// pass WithTimeout. Zero or negative disables the default.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultTimeout = d }
}

// WithInitTimeout bounds the bootstrap call made by Initialize.
func WithInitTimeout(d time.Duration) Option {
	return func(c *config) { c.initTimeout = d }
}

// WithTeardownGrace bounds how long Teardown waits for the executor to
// acknowledge before the peer is killed.
func WithTeardownGrace(d time.Duration) Option {
	return func(c *config) { c.teardownGrace = d }
}

// WithStreamIdleTimeout cancels a stream that produces no chunk for d.
// The stream finishes with ErrStreamIdle; the context stays usable.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.streamIdleTimeout = d }
}

func WithLogger(l Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithID overrides the generated bridge id used in logs.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

type callConfig struct {
	timeout time.Duration
}

// CallOption configures a single Execute call.
type CallOption func(*callConfig)

// WithTimeout overrides the bridge's default timeout for one call.
// Zero or negative means the call never times out.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}
