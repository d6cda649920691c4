// Package main provides the processctl binary: publish process definitions,
// drive instances and score KPIs against a configured store.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "processctl"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	backend    string
	logLevel   string
	output     string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Drive process instances through their definitions",
		Long: `processctl publishes process definitions and moves instances through
them by saving and committing artifacts. Fork/join sections, conditional
branches and KPI scoring are handled by the process engine.

Definitions are YAML or JSON documents. Storage is chosen in the config
file (memory, redis or bolt); artifacts may live in SQLite.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&flags.backend, "backend", "", "Override storage backend (memory, redis, bolt)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	pf.StringVarP(&flags.output, "output", "o", "yaml", "Output format (yaml, json)")

	cmd.AddCommand(
		validateCmd(flags),
		publishCmd(flags),
		startCmd(flags),
		saveCmd(flags),
		commitCmd(flags),
		statusCmd(flags),
		kpiCmd(flags),
		demoCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}
