// Package commands implements the rrdpworker CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "rrdpworker",
	Short: "RRDP client worker",
	Long: `rrdpworker synchronizes local RPKI caches from RRDP repositories.
It implements the Session/Scheduler engine and speaks the control-channel
protocol to a parent process over a framed Unix socket; it does not fetch
over HTTPS or persist RPKI objects itself.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/rrdpworker/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stateCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string { return cfgFile }
