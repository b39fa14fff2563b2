package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chatflow-dev/chatflow/internal/config"
	"github.com/chatflow-dev/chatflow/internal/metrics"
	"github.com/chatflow-dev/chatflow/internal/server"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		configFile string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the framed-TCP listener and the HTTP gateway.

The gateway exposes /ws for WebSocket clients, /healthz, and
Prometheus metrics on /metrics. Every knob can also be set through
the CHATFLOW_* environment, for example CHATFLOW_LISTEN_ADDR=:9191.

Examples:
  chatflow serve
  chatflow serve --listen-addr=:9191 --workers=8
  chatflow serve --config=chatflow.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if configFile != "" {
				v.Set("config", configFile)
			}
			bindFlags := []string{
				"listen_addr", "http_addr", "workers",
				"ingress_ring", "egress_ring", "echo_to_sender",
				"max_connections",
			}
			for _, key := range bindFlags {
				flag := strings.ReplaceAll(key, "_", "-")
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runServe(cfg, logLevel)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to a config file (YAML, TOML, or JSON)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("listen-addr", config.DefaultListenAddr, "Framed-TCP listen address")
	cmd.Flags().String("http-addr", config.DefaultHTTPAddr, "HTTP gateway address")
	cmd.Flags().Int("workers", config.DefaultWorkers, "Routing worker count")
	cmd.Flags().Int("ingress-ring", config.DefaultIngressRing, "Ingress ring capacity")
	cmd.Flags().Int("egress-ring", config.DefaultEgressRing, "Per-session egress ring capacity")
	cmd.Flags().Bool("echo-to-sender", false, "Echo room and broadcast messages back to their sender")
	cmd.Flags().Int("max-connections", config.DefaultMaxConns, "Maximum concurrent client connections")

	return cmd
}

func runServe(cfg *config.Config, logLevel string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	srv := server.New(server.Options{
		Config: cfg,
		Logger: logger,
		Sink:   metrics.NewPrometheus(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", shutdownGrace)
	if err := srv.Shutdown(shutdownGrace); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	logger.Info("shutdown complete")
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
