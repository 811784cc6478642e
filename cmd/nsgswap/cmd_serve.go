package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/yairfalse/nsgswap/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Fail over whenever a message arrives on the trigger queue",
	Long: `Long-poll the configured SQS queue and run the failover scenario once
per message. A CloudWatch alarm on the active instance, routed through SNS
to the queue, is the usual source. Messages are deleted after the run,
whatever its outcome.

Prometheus metrics are served on /metrics, health on /health and /-/ready.`,
	Example: `  nsgswap serve                # Poll trigger.queue_url
  nsgswap serve -c /etc/nsgswap/prod.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if cfg.Trigger.QueueURL == "" {
		return fmt.Errorf("trigger.queue_url is required for serve")
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, false, promExporter)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()

	poller := trigger.NewPoller(a.clients.SQS, trigger.PollerConfig{
		QueueURL:          cfg.Trigger.QueueURL,
		WaitTime:          cfg.Trigger.WaitTime,
		VisibilityTimeout: cfg.Trigger.VisibilityTimeout,
		Spans:             a.telemetry,
	}, a.adapter)

	var g run.Group
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	{
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Metrics.Addr, err)
		}
		srv := &http.Server{Handler: serveMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			log.Info().Str("addr", ln.Addr().String()).Msg("starting metrics server")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	{
		pollCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return poller.Run(pollCtx)
		}, func(error) {
			cancel()
		})
	}

	log.Info().
		Str("region", cfg.AWS.Region).
		Str("scenario", cfg.Failover.Scenario).
		Str("queue", cfg.Trigger.QueueURL).
		Msg("nsgswap serving")

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		log.Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

func serveMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}
	mux.HandleFunc("/health", ok)
	mux.HandleFunc("/-/healthy", ok)
	mux.HandleFunc("/-/ready", ok)
	return mux
}
