// Package main implements the webauto CLI: the command plane for the
// browser-driven harvesting runtime.
//
// Commands:
//   - serve     - start the Unified API and Browser Service
//   - profile   - list profiles and inspect lock state
//   - container - validate and list the Container Library
//   - workflow  - run a harvest plan for a keyword
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"webauto/internal/config"
	"webauto/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger

	// Loaded config, available to every subcommand after PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "webauto",
	Short: "webauto - browser-driven harvesting runtime",
	Long: `webauto remote-controls long-lived, fingerprint-resistant browser
profiles to navigate social-media feeds, match semantic page regions,
execute operations through system-level input, and produce structured
artifacts (links, posts, comments).

The service plane is a Unified API (HTTP command router + WebSocket event
bus) over a Session Manager, Container Matcher, Operation Executor, and a
checkpoint-driven Workflow Runtime.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize zap logger for CLI output
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			zcfg.Encoding = "console"
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			home, _ := os.UserHomeDir()
			ws = filepath.Join(home, ".webauto")
		}
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}

		path := configPath
		if path == "" {
			path = filepath.Join(ws, "config.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level console logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <workspace>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace root (default ~/.webauto)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(containerCmd)
	rootCmd.AddCommand(workflowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
