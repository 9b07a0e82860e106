package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/caffeineduck/isobridge/wire"
)

// ProcessSpawner runs the executor as a child process speaking envelopes on
// its stdin and stdout. Stderr is passed through to a configurable writer.
type ProcessSpawner struct {
	path   string
	args   []string
	env    []string
	dir    string
	stderr io.Writer
	codec  wire.Codec
}

// ProcessOption configures a ProcessSpawner.
type ProcessOption func(*ProcessSpawner)

// WithProcessCodec sets the codec spoken on stdio. Default JSON.
func WithProcessCodec(c wire.Codec) ProcessOption {
	return func(p *ProcessSpawner) {
		p.codec = c
	}
}

// WithProcessEnv appends KEY=VALUE entries to the child's environment.
func WithProcessEnv(env ...string) ProcessOption {
	return func(p *ProcessSpawner) {
		p.env = append(p.env, env...)
	}
}

// WithProcessDir sets the child's working directory.
func WithProcessDir(dir string) ProcessOption {
	return func(p *ProcessSpawner) {
		p.dir = dir
	}
}

// WithProcessStderr redirects the child's stderr. Default os.Stderr.
func WithProcessStderr(w io.Writer) ProcessOption {
	return func(p *ProcessSpawner) {
		p.stderr = w
	}
}

// Process returns a spawner that starts path with args for every context.
func Process(path string, args []string, opts ...ProcessOption) *ProcessSpawner {
	p := &ProcessSpawner{
		path:   path,
		args:   args,
		stderr: os.Stderr,
		codec:  wire.JSON(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ProcessSpawner) Spawn(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(p.path, p.args...)
	cmd.Dir = p.dir
	cmd.Stderr = p.stderr
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.path, err)
	}

	kill := func() error {
		stdin.Close()
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill %s: %w", p.path, err)
		}
		// Wait reaps the child and closes stdout, unblocking Recv.
		_ = cmd.Wait()
		return nil
	}

	return NewStream(stdout, stdin, p.codec, kill), nil
}
