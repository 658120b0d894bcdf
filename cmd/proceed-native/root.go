package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "proceed-native",
		Short: "Native host and script sandbox for the PROCEED engine",
		Long: `proceed-native runs next to a PROCEED engine. It answers the engine's
native commands (service discovery, durable storage, messaging and script
execution) and runs every BPMN script task in its own sandboxed runner
process that reaches the host only through an authenticated callback API.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "YAML config file (overrides PROCEED_CONFIG_FILE)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunnerCmd())
	return root
}
