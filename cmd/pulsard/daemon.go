package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/velora/pulsar/internal/api"
	"github.com/velora/pulsar/internal/broker"
	"github.com/velora/pulsar/internal/config"
	"github.com/velora/pulsar/internal/logging"
	"github.com/velora/pulsar/internal/observability"
	"github.com/velora/pulsar/internal/status"
)

func serveCmd() *cobra.Command {
	var (
		logLevel   string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Pulsar API daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("listen") {
				cfg.Daemon.HTTPAddr = listenAddr
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if cfg.Tracing.ServiceName == "" || cfg.Tracing.ServiceName == "pulsar" {
				cfg.Tracing.ServiceName = "pulsard"
			}
			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			store, err := status.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			defer store.Close()

			b, err := broker.Connect(cfg.Broker.URL)
			if err != nil {
				return fmt.Errorf("connect broker: %w", err)
			}
			defer b.Close()

			hub := api.NewHub(store)
			listenCtx, stopListen := context.WithCancel(context.Background())
			defer stopListen()
			go hub.Listen(listenCtx)

			handler := api.NewHandler(store, b, hub, cfg.Daemon.PublicURL)
			server := api.NewServer(cfg.Daemon.HTTPAddr, handler)

			errCh := make(chan error, 1)
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			logging.Op().Info("pulsar API started", "addr", cfg.Daemon.HTTPAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
			}

			ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&listenAddr, "listen", ":5000", "HTTP listen address")

	return cmd
}
