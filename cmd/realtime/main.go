// Command realtime runs the WebSocket hub. Frames published on NATS
// realtime.<channel> subjects are fanned out to the hub's subscribers of
// that channel; new subscribers receive the latest cached snapshot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onboardiq/platform/internal/config"
	"github.com/onboardiq/platform/internal/feedstore"
	"github.com/onboardiq/platform/internal/hub"
	"github.com/onboardiq/platform/internal/logging"
	"github.com/onboardiq/platform/internal/messaging"
	"github.com/onboardiq/platform/internal/protocol"
	"github.com/onboardiq/platform/internal/telemetry"
)

// replayLimit bounds the onboarding events sent to a new subscriber.
const replayLimit = 10

// clientEvents are the onboarding events clients may emit through the hub.
var clientEvents = []string{
	protocol.TypeOnboardingStarted,
	protocol.TypeDocumentProgress,
	protocol.TypeDocumentCompleted,
	protocol.TypeVideoSessionCreated,
	protocol.TypeSMSVerified,
}

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "realtime",
		Short:        "Run the OnboardIQ real-time WebSocket hub",
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
	logger, logCloser, err := logging.Init(cfg.Log, "realtime")
	if err != nil {
		return err
	}
	defer logCloser.Close()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, cfg.Server.Version)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	nc, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name + "-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	store, err := feedstore.NewStore(cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer store.Close()

	hubCfg := hub.DefaultServerConfig()
	hubCfg.ListenAddr = cfg.Realtime.ListenAddr
	hubCfg.WorkerPoolSize = cfg.Realtime.WorkerPoolSize
	hubCfg.MaxConnections = cfg.Realtime.MaxConnections
	hubCfg.ReadTimeout = cfg.Realtime.ReadTimeout
	hubCfg.WriteTimeout = cfg.Realtime.WriteTimeout

	server, err := hub.NewServer(hubCfg, logger)
	if err != nil {
		return err
	}

	log := logger.With().Str("component", "realtime").Logger()
	server.SetOnSubscribe(replaySnapshot(store, log))

	// Onboarding events from one client reach every hub through NATS.
	for _, t := range clientEvents {
		server.Dispatcher().Register(t, func(conn *hub.Connection, ev protocol.Event) {
			frame, err := protocol.NewEvent(ev.Type, ev.Data)
			if err != nil {
				log.Debug().Err(err).Str("session", conn.ID).Msg("drop client event")
				return
			}
			if err := nc.PublishRealtime(protocol.ChannelOnboarding, frame); err != nil {
				log.Warn().Err(err).Str("type", ev.Type).Msg("forward client event")
				return
			}
			appendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := store.AppendEvent(appendCtx, protocol.ChannelOnboarding, frame); err != nil {
				log.Warn().Err(err).Str("type", ev.Type).Msg("append client event")
			}
		})
	}

	if err := nc.SubscribeRealtime(func(channel string, frame []byte) {
		n := server.Publish(channel, frame)
		log.Debug().Str("channel", channel).Int("delivered", n).Msg("fan out")
	}); err != nil {
		return err
	}

	log.Info().
		Str("addr", hubCfg.ListenAddr).
		Int("workers", hubCfg.WorkerPoolSize).
		Str("nats_url", cfg.NATS.URL).
		Str("redis_addr", cfg.Redis.Addr).
		Msg("OnboardIQ hub starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		_ = nc.UnsubscribeRealtime()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// replaySnapshot sends a new subscriber the latest cached snapshot of its
// channel, or the recent onboarding events oldest first.
func replaySnapshot(store *feedstore.Store, log zerolog.Logger) hub.SubscribeHook {
	return func(conn *hub.Connection, channel string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if channel == protocol.ChannelOnboarding {
			events, err := store.RecentEvents(ctx, channel, replayLimit)
			if err != nil {
				log.Warn().Err(err).Msg("read onboarding events")
				return
			}
			for i := len(events) - 1; i >= 0; i-- {
				if err := conn.WriteMessage(events[i]); err != nil {
					return
				}
			}
			return
		}

		frame, err := store.LatestSnapshot(ctx, channel)
		if err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("read snapshot")
			return
		}
		if frame != nil {
			_ = conn.WriteMessage(frame)
		}
	}
}
