package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/isobridge/bridge"
)

var callCmd = &cobra.Command{
	Use:   "call METHOD [PARAMS]",
	Short: "Initialize an executor, make one call and tear it down",
	Long: `Spawn an executor, send METHOD with PARAMS (JSON, or a bare string),
print the result and tear the executor down.

With --stream the call is made as a stream and every chunk is printed on
its own line; Ctrl+C cancels the stream.

Examples:
  isobridge call echo '{"x": 1}'
  isobridge call sleep '{"ms": 2000}' --timeout 500ms
  isobridge call count '{"n": 5, "interval_ms": 200}' --stream`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().Bool("stream", false, "Make a streaming call")
	callCmd.Flags().String("bootstrap", "", "Bootstrap payload sent on initialize (JSON)")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetBool("stream")
	bootstrapArg, _ := cmd.Flags().GetString("bootstrap")

	var raw string
	if len(args) == 2 {
		raw = args[1]
	}
	params, err := parseParams(raw)
	if err != nil {
		return err
	}
	bootstrap, err := parseParams(bootstrapArg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	logger, err := newLogger(appCfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	spawner, cleanup, err := newSpawner(ctx, appCfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	errOut := cmd.ErrOrStderr()
	b := bridge.New(spawner, bridgeOptions(appCfg, logger)...)
	if err := b.Initialize(ctx, bootstrap); err != nil {
		fmt.Fprintln(errOut, pterm.Error.Sprint(err))
		return err
	}
	defer b.Teardown(context.Background())

	out := cmd.OutOrStdout()
	if stream {
		s := b.Stream(args[0], params, func(chunk any) {
			fmt.Fprintln(out, formatResult(chunk))
		})
		select {
		case <-s.Done():
		case <-ctx.Done():
			s.Cancel()
		}
		if err := s.Err(); err != nil {
			fmt.Fprintln(errOut, pterm.Error.Sprint(err))
			return err
		}
		fmt.Fprintln(errOut, pterm.Success.Sprint("stream complete"))
		return nil
	}

	result, err := b.Execute(ctx, args[0], params)
	if err != nil {
		fmt.Fprintln(errOut, pterm.Error.Sprint(err))
		return err
	}
	fmt.Fprintln(out, formatResult(result))
	return nil
}
