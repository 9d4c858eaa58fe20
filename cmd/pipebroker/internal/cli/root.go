// Package cli implements the pipebroker command-line surface: a cobra
// root command with serve-broker and connect-child subcommands, the way
// the pack's own orchestrator root command (cmd/root.go) wires cobra
// PersistentFlags for logging and a RunE-based subcommand.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/ascii33/libchrome"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pipebroker",
	Short: "Demo harness for the edk cross-process message pipe multiplexer",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console, json")

	rootCmd.AddCommand(serveBrokerCmd)
	rootCmd.AddCommand(connectChildCmd)
}

func initLogging() error {
	cfg := edk.LogConfig{Level: logLevel, Format: logFormat}
	_, err := edk.InitLogging(cfg)
	return err
}
