package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/onboardiq/platform/internal/loadstats"
	"github.com/onboardiq/platform/internal/protocol"
	"github.com/onboardiq/platform/internal/realtime"
)

type benchOptions struct {
	connections int
	concurrency int
	ramp        time.Duration
	hold        time.Duration
	channel     string
	metricsURL  string
}

func newBenchCommand(a *app) *cobra.Command {
	var o benchOptions

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Open many hub subscribers and measure connect and first-update latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if o.metricsURL == "" {
				o.metricsURL = metricsURLFor(a.cfg.Client.RealtimeURL)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bench: %d subscribers of %q on %s (ramp=%s, hold=%s, concurrency=%d)\n",
				o.connections, o.channel, a.cfg.Client.RealtimeURL, o.ramp, o.hold, o.concurrency)

			collector := runBench(ctx, a.cfg.Client.RealtimeURL, o, a.logger)
			collector.Report(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVarP(&o.connections, "connections", "n", 100, "number of subscribers")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 20, "maximum simultaneous dials")
	cmd.Flags().DurationVar(&o.ramp, "ramp", 5*time.Second, "ramp-up duration")
	cmd.Flags().DurationVar(&o.hold, "hold", 15*time.Second, "hold duration once all subscribers are open")
	cmd.Flags().StringVar(&o.channel, "channel", protocol.ChannelAnalytics, "channel to subscribe to")
	cmd.Flags().StringVar(&o.metricsURL, "metrics-url", "", "hub metrics URL (derived from the hub URL by default)")
	return cmd
}

// updateTypes maps a channel to the update type pushed on it.
var updateTypes = map[string]string{
	protocol.ChannelAnalytics:  protocol.TypeAnalyticsUpdate,
	protocol.ChannelSecurity:   protocol.TypeSecurityUpdate,
	protocol.ChannelOnboarding: protocol.TypeOnboardingUpdate,
}

// runBench ramps up subscribers, holds them open and disconnects them all.
// Each subscriber is a realtime.Transport.
func runBench(ctx context.Context, hubURL string, o benchOptions, logger zerolog.Logger) *loadstats.Collector {
	collector := loadstats.NewCollector()

	scraper := loadstats.NewScraper(o.metricsURL, time.Second)
	scraper.Start(ctx)
	collector.SetScraper(scraper)
	defer scraper.Stop()

	updateType, ok := updateTypes[o.channel]
	if !ok {
		updateType = o.channel + "_update"
	}

	interval := time.Millisecond
	if o.connections > 0 && o.ramp > 0 {
		interval = max(o.ramp/time.Duration(o.connections), time.Millisecond)
	}
	concurrency := max(o.concurrency, 1)

	var (
		mu         sync.Mutex
		transports []*realtime.Transport
		wg         sync.WaitGroup
	)
	sem := make(chan struct{}, concurrency)

ramp:
	for i := 0; i < o.connections; i++ {
		select {
		case <-ctx.Done():
			break ramp
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			t := realtime.NewTransport(realtime.Config{URL: hubURL, MaxReconnectAttempts: 1}, logger)
			start := time.Now()
			var once sync.Once
			t.On(updateType, func(protocol.Event) {
				once.Do(func() { collector.AddUpdate(time.Since(start)) })
			})
			t.Subscribe(o.channel)

			if err := t.Connect(ctx); err != nil {
				collector.AddError()
				t.Disconnect()
				return
			}
			collector.AddConnect(time.Since(start))

			mu.Lock()
			transports = append(transports, t)
			mu.Unlock()
		}()

		select {
		case <-ctx.Done():
			break ramp
		case <-time.After(interval):
		}
	}
	wg.Wait()

	select {
	case <-ctx.Done():
	case <-time.After(o.hold):
	}

	mu.Lock()
	defer mu.Unlock()
	for _, t := range transports {
		t.Disconnect()
	}
	return collector
}

// metricsURLFor derives the hub's /metrics URL from its WebSocket URL.
func metricsURLFor(hubURL string) string {
	u, err := url.Parse(hubURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/ws"), "/") + "/metrics"
	u.RawQuery = ""
	return u.String()
}
