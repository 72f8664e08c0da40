package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/chatstream/internal/config"
	natsclient "github.com/capitalize-ai/chatstream/internal/nats"
	"github.com/capitalize-ai/chatstream/internal/recorder"
	"github.com/capitalize-ai/chatstream/internal/server"
	"github.com/capitalize-ai/chatstream/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcript replay backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != "" {
				a.cfg.ServerPort = port
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	log := a.log
	log.Info("starting replay backend")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatstream-replay", a.cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	store, err := recorder.Open(ctx, a.recorderConfig(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.New(a.cfg, store, log)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("server listening", zap.String("port", a.cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func natsConfig(cfg *config.Config) natsclient.Config {
	return natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}
}
