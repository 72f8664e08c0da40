// Package main is the entry point for the chatstream CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/chatstream/internal/config"
	"github.com/capitalize-ai/chatstream/internal/recorder"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// app carries what every subcommand needs.
type app struct {
	cfg *config.Config
	log *logger.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var (
		logLevel  string
		prettyLog bool
	)

	root := &cobra.Command{
		Use:           "chatstream",
		Short:         "Streaming agent chat client and transcript replay backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			newLogger := func() (*logger.Logger, error) { return logger.New(cfg.LogLevel) }
			if prettyLog {
				newLogger = logger.NewDevelopment
			}
			log, err := newLogger()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			logger.SetGlobal(log)
			a.cfg = cfg
			a.log = log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&prettyLog, "pretty-log", false, "human-readable debug logging instead of JSON")

	root.AddCommand(
		newServeCommand(a),
		newChatCommand(a),
		newDecodeCommand(a),
		newTokenCommand(a),
	)
	return root
}

func (a *app) recorderConfig() recorder.Config {
	return recorder.Config{
		Kind: a.cfg.Recorder,
		Dir:  a.cfg.RecorderDir,
		NATS: natsConfig(a.cfg),

		RedisAddr:     a.cfg.RedisAddr,
		RedisPassword: a.cfg.RedisPassword,
		RedisDB:       a.cfg.RedisDB,
	}
}
