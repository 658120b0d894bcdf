package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/PROCEED-Labs/proceed-native/internal/bridge"
	"github.com/PROCEED-Labs/proceed-native/internal/config"
	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
)

func newRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "runner",
		Short:  "Execute one script read from stdin (started by serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := bridge.ConfigFromEnv()
			if err != nil {
				return err
			}
			script, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}

			// Runner stderr becomes the execution's stderr log, so stay quiet
			// unless asked.
			level := config.ParseLogLevel("warn")
			if v := os.Getenv(ipc.EnvLogLevel); v != "" {
				level = config.ParseLogLevel(v)
			}
			logger := config.NewLogger(os.Stderr, level).With("key", cfg.Key.String())

			ch := bridge.OpenChannel()
			code := bridge.Run(cmd.Context(), cfg, string(script), ch, logger)
			ch.Close()
			os.Exit(code)
			return nil
		},
	}
}
