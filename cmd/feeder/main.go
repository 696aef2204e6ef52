// Command feeder produces the demo analytics, security and onboarding
// snapshots and publishes them to the hubs over NATS.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onboardiq/platform/internal/analytics"
	"github.com/onboardiq/platform/internal/config"
	"github.com/onboardiq/platform/internal/feeder"
	"github.com/onboardiq/platform/internal/feedstore"
	"github.com/onboardiq/platform/internal/logging"
	"github.com/onboardiq/platform/internal/messaging"
	"github.com/onboardiq/platform/internal/metrics"
)

func main() {
	var (
		configPath  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:          "feeder",
		Short:        "Publish OnboardIQ feed snapshots to the real-time hubs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("ONBOARDIQ_CONFIG"), "path to a YAML config file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9102", "address serving /metrics, empty to disable")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, metricsAddr string) error {
	logger, logCloser, err := logging.Init(cfg.Log, "feeder")
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, err := feedstore.NewStore(cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer store.Close()

	nc, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name + "-feeder",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	svc := feeder.NewService(analytics.NewGenerator(), store, nc, feeder.Intervals{
		Analytics:  cfg.Feeder.AnalyticsInterval,
		Security:   cfg.Feeder.SecurityInterval,
		Onboarding: cfg.Feeder.OnboardingInterval,
	}, logger)
	svc.Start()
	defer svc.Stop()

	logger.Info().
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", cfg.NATS.URL).
		Msg("OnboardIQ feeder running")

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "feeder: metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down feeder")
		return nil
	})
	return g.Wait()
}
