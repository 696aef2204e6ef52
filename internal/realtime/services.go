package realtime

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/config"
)

// Services is the context object shared by real-time consumers: one
// transport and the three feeds composed over it.
type Services struct {
	Transport  *Transport
	Analytics  *Feed
	Security   *Feed
	Onboarding *OnboardingFeed
}

// NewServices builds the transport and feeds from client configuration.
// Nothing connects until Start.
func NewServices(cfg config.ClientConfig, logger zerolog.Logger) *Services {
	t := NewTransport(Config{
		URL:                  cfg.RealtimeURL,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, logger)

	return &Services{
		Transport:  t,
		Analytics:  NewFeed(t, AnalyticsFeedConfig(), cfg.APIBaseURL, logger),
		Security:   NewFeed(t, SecurityFeedConfig(), cfg.APIBaseURL, logger),
		Onboarding: NewOnboardingFeed(t, cfg.APIBaseURL, logger),
	}
}

// Feeds returns the three feeds.
func (s *Services) Feeds() []*Feed {
	return []*Feed{s.Analytics, s.Security, s.Onboarding.Feed}
}

// Start begins polling every feed and connects the transport. A connect
// error is returned but polling keeps running and the transport keeps
// retrying in the background.
func (s *Services) Start(ctx context.Context) error {
	for _, f := range s.Feeds() {
		f.Start(ctx)
	}
	return s.Transport.Connect(ctx)
}

// Close stops the feeds and disconnects.
func (s *Services) Close() {
	for _, f := range s.Feeds() {
		f.Close()
	}
	s.Transport.Disconnect()
}
