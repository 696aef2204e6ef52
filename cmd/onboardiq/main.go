// Command onboardiq is the terminal client for OnboardIQ: streaming chat
// with the onboarding assistant, live feed watching and hub load testing.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/onboardiq/platform/internal/config"
	"github.com/onboardiq/platform/internal/logging"
)

// app carries what every subcommand needs.
type app struct {
	configPath string
	apiURL     string
	hubURL     string
	verbose    bool

	cfg    config.Config
	logger zerolog.Logger
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "onboardiq",
		Short:         "OnboardIQ terminal client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("ONBOARDIQ_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.apiURL, "api", "", "API base URL (overrides config)")
	root.PersistentFlags().StringVar(&a.hubURL, "hub", "", "real-time hub URL (overrides config)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newChatCommand(a),
		newAskCommand(a),
		newWatchCommand(a),
		newHealthCommand(a),
		newBenchCommand(a),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.apiURL != "" {
		cfg.Client.APIBaseURL = a.apiURL
	}
	if a.hubURL != "" {
		cfg.Client.RealtimeURL = a.hubURL
	}

	// The terminal belongs to the user; logs go to stderr at warn unless
	// asked for.
	cfg.Log.Pretty = true
	cfg.Log.File = ""
	cfg.Log.Level = "warn"
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	logger, _, err := logging.Init(cfg.Log, "onboardiq")
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}
