// Package feeder periodically produces the analytics, security and
// onboarding snapshots, caches each one for new hub subscribers and
// publishes it to every hub.
package feeder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/analytics"
	"github.com/onboardiq/platform/internal/metrics"
	"github.com/onboardiq/platform/internal/protocol"
)

// onboardingWindow is the number of recent events carried by an
// onboarding_update.
const onboardingWindow = 20

// Publisher delivers a frame to hub subscribers of channel.
type Publisher interface {
	PublishRealtime(channel string, frame []byte) error
}

// Store caches snapshots and holds the onboarding event log.
type Store interface {
	SaveSnapshot(ctx context.Context, channel string, data []byte) error
	RecentEvents(ctx context.Context, channel string, limit int) ([]json.RawMessage, error)
}

// Intervals sets how often each feed is produced. A zero interval
// disables that feed.
type Intervals struct {
	Analytics  time.Duration
	Security   time.Duration
	Onboarding time.Duration
}

// Service runs one ticker loop per feed.
type Service struct {
	gen       *analytics.Generator
	store     Store
	publisher Publisher
	intervals Intervals
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a feeder. Nothing runs until Start.
func NewService(gen *analytics.Generator, store Store, pub Publisher, iv Intervals, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		gen:       gen,
		store:     store,
		publisher: pub,
		intervals: iv,
		log:       logger.With().Str("component", "feeder").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start publishes every feed once, then on its interval until Stop.
func (s *Service) Start() {
	s.loop(s.intervals.Analytics, s.PublishAnalytics)
	s.loop(s.intervals.Security, s.PublishSecurity)
	s.loop(s.intervals.Onboarding, s.PublishOnboarding)
	s.log.Info().
		Dur("analytics", s.intervals.Analytics).
		Dur("security", s.intervals.Security).
		Dur("onboarding", s.intervals.Onboarding).
		Msg("feeder started")
}

// Stop cancels the loops and waits for them to exit.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("feeder stopped")
}

func (s *Service) loop(interval time.Duration, publish func(context.Context) error) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := publish(s.ctx); err != nil && s.ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("publish failed")
			}
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// PublishAnalytics produces and publishes one analytics_update.
func (s *Service) PublishAnalytics(ctx context.Context) error {
	return s.emit(ctx, protocol.ChannelAnalytics, protocol.TypeAnalyticsUpdate, s.gen.Analytics())
}

// PublishSecurity produces and publishes one security_update.
func (s *Service) PublishSecurity(ctx context.Context) error {
	return s.emit(ctx, protocol.ChannelSecurity, protocol.TypeSecurityUpdate, s.gen.Security(analytics.Requester{}))
}

// PublishOnboarding publishes the recent onboarding events as one
// onboarding_update, in the same shape as the polling endpoint.
func (s *Service) PublishOnboarding(ctx context.Context) error {
	events, err := s.store.RecentEvents(ctx, protocol.ChannelOnboarding, onboardingWindow)
	if err != nil {
		return err
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	return s.emit(ctx, protocol.ChannelOnboarding, protocol.TypeOnboardingUpdate, map[string]interface{}{
		"events":    events,
		"count":     len(events),
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

// emit caches then publishes. The onboarding channel is not cached as a
// snapshot; its event log is replayed instead.
func (s *Service) emit(ctx context.Context, channel, msgType string, data interface{}) error {
	frame, err := protocol.NewEvent(msgType, data)
	if err != nil {
		return err
	}
	if channel != protocol.ChannelOnboarding {
		if err := s.store.SaveSnapshot(ctx, channel, frame); err != nil {
			return err
		}
	}
	if err := s.publisher.PublishRealtime(channel, frame); err != nil {
		return err
	}
	metrics.FeedPublishedTotal.WithLabelValues(channel).Inc()
	s.log.Debug().Str("channel", channel).Str("type", msgType).Msg("published")
	return nil
}
