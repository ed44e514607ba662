package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/internal/config"
	"github.com/agentplexus/calltest/internal/logging"
)

// app is the state shared by subcommands once the root pre-run has loaded
// configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "calltest",
		Short: "calltest - end-to-end phone call tests for voice agents",
		Long: `calltest places (or waits for) a real phone call to a voice agent, lets an
LLM persona hold the conversation, and judges the transcript against
natural-language criteria.`,
		Version:      calltest.Version,
		SilenceUsage: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	logFormat := cmd.PersistentFlags().String("log-format", "", "Log format: text, json or auto (default from LOG_FORMAT)")
	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if *debugLogging {
			level = "debug"
		}
		format := cfg.Log.Format
		if *logFormat != "" {
			format = *logFormat
		}
		logger, err := logging.New(logging.Options{Level: level, Format: format, Output: os.Stderr})
		if err != nil {
			return err
		}
		a.cfg = cfg
		a.logger = logger
		return nil
	}

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newVoicesCommand(a))
	return cmd
}

func execute() error {
	return newRootCommand().Execute()
}
