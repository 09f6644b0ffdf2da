package commands

import (
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	verbose bool
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stinger",
		Short: "Policy enforcement and audit for conversational AI",
		Long: `Stinger checks prompts and responses against configurable guardrail
pipelines, enforces rate limits, and records a tamper-evident audit trail.
Run it as an HTTP service with "serve" or check content one-shot with "check".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config directory (default: ., ./config, /etc/stinger)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewCheckCommand())
	rootCmd.AddCommand(NewPresetsCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}
