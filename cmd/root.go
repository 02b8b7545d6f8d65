package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bastion",
	Short: "Bastion security event detection and correlation core",
	Long: `Bastion consumes normalized security events, evaluates them against
detection rules and behavioral patterns, correlates matches into deduplicated
incidents, and clusters related alerts for triage.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: search ./bastion.yaml, ./config, /etc/bastion)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rulesCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
