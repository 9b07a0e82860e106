package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/isobridge/bridge"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive shell over one execution context",
	Long: `Start an interactive shell bound to one execution context.

Enter METHOD [PARAMS] to make a call, where PARAMS is JSON or a bare
string. Shell commands:
  :stream METHOD [PARAMS]   make a streaming call
  :state                    show the context state
  :pending                  show outstanding calls and streams
  :restart                  initialize a new context after termination

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.isobridge_history)")
	rootCmd.AddCommand(replCmd)
}

type replLine struct {
	command string
	method  string
	params  any
}

// parseReplLine splits a shell line into a command, a method and params.
// A line without a leading ':' is a call.
func parseReplLine(line string) (replLine, error) {
	line = strings.TrimSpace(line)
	var out replLine
	if strings.HasPrefix(line, ":") {
		head, rest, _ := strings.Cut(line, " ")
		out.command = strings.TrimPrefix(head, ":")
		line = strings.TrimSpace(rest)
		if out.command != "stream" {
			return out, nil
		}
	} else {
		out.command = "call"
	}

	method, raw, _ := strings.Cut(line, " ")
	if method == "" {
		return out, errors.New("method required")
	}
	params, err := parseParams(raw)
	if err != nil {
		return out, err
	}
	out.method, out.params = method, params
	return out, nil
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".isobridge_history")
	}

	logger, err := newLogger(appCfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := context.Background()
	spawner, cleanup, err := newSpawner(ctx, appCfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	b := bridge.New(spawner, bridgeOptions(appCfg, logger)...)
	if err := b.Initialize(ctx, nil); err != nil {
		return err
	}
	defer b.Teardown(context.Background())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "bridge> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	fmt.Fprintf(rl.Stderr(), "isobridge %s transport (type 'exit' to quit, Ctrl+D to exit)\n", appCfg.Transport.Kind)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		parsed, err := parseReplLine(line)
		if err != nil {
			fmt.Fprintln(rl.Stderr(), pterm.Error.Sprint(err))
			continue
		}
		if err := replDispatch(ctx, b, parsed, out); err != nil {
			fmt.Fprintln(rl.Stderr(), pterm.Error.Sprint(err))
		}
	}
}

func replDispatch(ctx context.Context, b *bridge.Bridge, l replLine, out io.Writer) error {
	switch l.command {
	case "call":
		result, err := b.Execute(ctx, l.method, l.params)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatResult(result))
	case "stream":
		s := b.Stream(l.method, l.params, func(chunk any) {
			fmt.Fprintln(out, formatResult(chunk))
		})
		return s.Wait()
	case "state":
		fmt.Fprintf(out, "%s (generation %d)\n", b.State(), b.Generation())
	case "pending":
		p := b.Pending()
		fmt.Fprintf(out, "calls=%d streams=%d\n", p.Calls, p.Streams)
	case "restart":
		if err := b.Initialize(ctx, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "generation %d ready\n", b.Generation())
	default:
		return fmt.Errorf("unknown command :%s", l.command)
	}
	return nil
}
