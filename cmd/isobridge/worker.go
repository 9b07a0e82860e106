package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/isobridge/transport"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an executor on stdin/stdout",
	Long: `Run the built-in executor, reading call envelopes from stdin and
writing replies to stdout. The process transport starts this command as
its child; logs go to stderr or the configured log directory.

Built-in methods: echo, sleep, fail, count (stream), kv_get, kv_set,
kv_delete, kv_keys.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(appCfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	codec, err := codecFor(appCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := transport.NewStream(os.Stdin, os.Stdout, codec, nil)
	logger.Debug("worker started", "codec", codec.Name(), "pid", os.Getpid())
	err = newWorkerServer(logger).Serve(ctx, t)
	logger.Debug("worker stopped", "error", err)
	return err
}
