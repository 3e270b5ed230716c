// Package main is the webpilot command: an HTTP service that runs web tasks
// on a pool of browser sessions, plus one-shot and inspection subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/entrhq/webpilot/pkg/config"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	model      string
	baseURL    string
	verbosity  string
	storePath  string
	headed     bool
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "webpilot",
		Short:         "Goal-driven web task automation",
		Long:          "Webpilot reaches natural-language goals on websites by planning one browser step at a time.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to the YAML configuration file")
	pf.StringVar(&flags.model, "model", "", "Planner model (overrides config and WEBPILOT_MODEL)")
	pf.StringVar(&flags.baseURL, "base-url", "", "OpenAI-compatible API base URL (overrides config and OPENAI_BASE_URL)")
	pf.StringVarP(&flags.verbosity, "verbosity", "v", "", "Log verbosity: quiet, normal, verbose or debug")
	pf.StringVar(&flags.storePath, "store", "", "Path to the task database")
	pf.BoolVar(&flags.headed, "headed", false, "Show browser windows instead of running headless")

	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newStatusCommand(flags))
	rootCmd.AddCommand(newListCommand(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies file, environment and flag settings in that order and
// configures logging.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	if flags.model != "" {
		cfg.Planner.Model = flags.model
	}
	if flags.baseURL != "" {
		cfg.Planner.BaseURL = flags.baseURL
	}
	if flags.verbosity != "" {
		cfg.Logging.Verbosity = flags.verbosity
	}
	if flags.storePath != "" {
		cfg.Store.Path = flags.storePath
	}
	if cmd.Flags().Changed("headed") {
		cfg.Browser.Headless = !flags.headed
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logging.ParseVerbosity(cfg.Logging.Verbosity)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)
	logging.SetLogDirectory(cfg.Logging.Dir)
	return cfg, nil
}
