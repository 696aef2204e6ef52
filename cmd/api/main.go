// Command api serves the OnboardIQ HTTP API: health endpoints, streaming
// chat, the Vonage and Foxit proxies and the REST side of the real-time
// feeds.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onboardiq/platform/internal/analytics"
	"github.com/onboardiq/platform/internal/audit"
	"github.com/onboardiq/platform/internal/config"
	"github.com/onboardiq/platform/internal/feedstore"
	"github.com/onboardiq/platform/internal/httpapi"
	"github.com/onboardiq/platform/internal/lockout"
	"github.com/onboardiq/platform/internal/logging"
	"github.com/onboardiq/platform/internal/messaging"
	"github.com/onboardiq/platform/internal/provider/foxit"
	"github.com/onboardiq/platform/internal/provider/vonage"
	"github.com/onboardiq/platform/internal/ratelimit"
	"github.com/onboardiq/platform/internal/streamchat"
	"github.com/onboardiq/platform/internal/telemetry"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "api",
		Short:        "Run the OnboardIQ HTTP API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("ONBOARDIQ_CONFIG"), "path to a YAML config file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, logCloser, err := logging.Init(cfg.Log, "api")
	if err != nil {
		return err
	}
	defer logCloser.Close()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, cfg.Server.Version)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	deps := httpapi.Deps{
		Config: cfg,
		Vonage: vonage.New(vonage.Config{
			APIKey:        cfg.Vonage.APIKey,
			APISecret:     cfg.Vonage.APISecret,
			Brand:         cfg.Vonage.Brand,
			VerifyBaseURL: cfg.Vonage.VerifyBaseURL,
			RestBaseURL:   cfg.Vonage.RestBaseURL,
			Timeout:       cfg.Vonage.Timeout,
			MockOnFailure: cfg.Vonage.MockOnFailure,
		}, logger),
		Foxit: foxit.New(foxit.Config{
			BaseURL:       cfg.Foxit.BaseURL,
			ClientID:      cfg.Foxit.ClientID,
			ClientSecret:  cfg.Foxit.ClientSecret,
			Timeout:       cfg.Foxit.Timeout,
			MockOnFailure: cfg.Foxit.MockOnFailure,
		}, logger),
		Analytics: analytics.NewGenerator(),
		Logger:    logger,
		Probes:    map[string]func(context.Context) error{},
	}

	// Redis backs the feed cache, rate limiting, verification lockouts and the
	// chat reply cache.
	// Without it the API still serves, just without those features.
	store, err := feedstore.NewStore(cfg.Redis.Addr)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, feed cache and rate limiting disabled")
		deps.Chat = streamchat.NewHandler(streamchat.NewResponder(cfg.OpenAI, nil, logger), cfg.OpenAI.APIKey != "", logger)
	} else {
		defer store.Close()
		rdb := store.Client()
		deps.Feeds = store
		deps.Limiter = ratelimit.NewLimiter(rdb, logger)
		deps.Lockout = lockout.NewStore(rdb)
		deps.Chat = streamchat.NewHandler(streamchat.NewResponder(cfg.OpenAI, rdb, logger), cfg.OpenAI.APIKey != "", logger)
		deps.Probes["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	nc, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name + "-api",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("nats unavailable, hub publishing disabled")
	} else {
		defer nc.Close()
		deps.Publisher = nc
		deps.Probes["nats"] = nc.Ping
	}

	if cfg.Database.URL != "" {
		db, err := audit.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := audit.Migrate(db); err != nil {
			return err
		}
		deps.Audit = audit.NewStore(db)
		deps.Probes["postgres"] = db.PingContext
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info().
		Str("addr", cfg.Server.ListenAddr).
		Str("environment", cfg.Server.Environment).
		Bool("vonage", deps.Vonage.Configured()).
		Bool("foxit", deps.Foxit.Configured()).
		Bool("openai", cfg.OpenAI.APIKey != "").
		Bool("audit", deps.Audit != nil).
		Msg("OnboardIQ API starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "api: http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(srv, logger)
	})
	return g.Wait()
}

func shutdown(srv *http.Server, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down API")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "api: shutdown")
	}
	return nil
}
