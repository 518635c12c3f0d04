package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velora/pulsar/internal/broker"
	"github.com/velora/pulsar/internal/config"
	"github.com/velora/pulsar/internal/imagebuilder"
	"github.com/velora/pulsar/internal/logging"
	"github.com/velora/pulsar/internal/metrics"
	"github.com/velora/pulsar/internal/microvm"
	"github.com/velora/pulsar/internal/observability"
	"github.com/velora/pulsar/internal/status"
	"github.com/velora/pulsar/internal/worker"
)

const reconnectDelay = 5 * time.Second

func runCmd() *cobra.Command {
	var (
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker daemon",
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

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if cfg.Tracing.ServiceName == "" || cfg.Tracing.ServiceName == "pulsar" {
				cfg.Tracing.ServiceName = "pulsar-worker"
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

			builder, err := imagebuilder.New(&cfg.Builder)
			if err != nil {
				return fmt.Errorf("init image builder: %w", err)
			}

			orchestrator, err := microvm.New(&cfg.MicroVM)
			if err != nil {
				return fmt.Errorf("init orchestrator: %w", err)
			}

			store, err := status.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			defer store.Close()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Global().Handler())
				go func() {
					logging.Op().Info("worker metrics endpoint started", "addr", metricsAddr)
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logging.Op().Error("metrics server error", "error", err)
					}
				}()
			}

			w := worker.New(builder, orchestrator, store)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logging.Op().Info("pulsar worker started")

			// Consume with reconnection: a dropped AMQP connection ends the
			// delivery channel, so dial again until the context is cancelled.
			for {
				if err := consumeOnce(ctx, cfg, w); err != nil {
					if ctx.Err() != nil {
						logging.Op().Info("worker shutting down")
						return nil
					}
					logging.Op().Error("consumer stopped, reconnecting", "error", err, "delay", reconnectDelay)
				}
				select {
				case <-ctx.Done():
					logging.Op().Info("worker shutting down")
					return nil
				case <-time.After(reconnectDelay):
				}
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", ":9100", "HTTP listen address for /metrics (empty to disable)")

	return cmd
}

func consumeOnce(ctx context.Context, cfg *config.Config, w *worker.Worker) error {
	b, err := broker.Connect(cfg.Broker.URL)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer b.Close()

	deliveries, err := b.Consume()
	if err != nil {
		return err
	}

	logging.Op().Info("consuming task queue")

	closed := b.NotifyClose()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, deliveries) }()

	select {
	case amqpErr := <-closed:
		if amqpErr != nil {
			return fmt.Errorf("amqp connection lost: %w", amqpErr)
		}
		return fmt.Errorf("amqp connection closed")
	case err := <-done:
		return err
	}
}
