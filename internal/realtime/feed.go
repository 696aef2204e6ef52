package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/onboardiq/platform/internal/protocol"
)

// Snapshot sources.
const (
	SourcePush = "push"
	SourcePoll = "poll"
)

// FeedConfig parameterises a Feed.
type FeedConfig struct {
	Name        string
	Channel     string
	UpdateType  string // pushed by the hub
	UpdatedType string // emitted on every accepted refresh
	PollPath    string
	Interval    time.Duration
}

// AnalyticsFeedConfig is the analytics channel feed.
func AnalyticsFeedConfig() FeedConfig {
	return FeedConfig{
		Name:        "analytics",
		Channel:     protocol.ChannelAnalytics,
		UpdateType:  protocol.TypeAnalyticsUpdate,
		UpdatedType: "analytics_updated",
		PollPath:    "/api/analytics/real-time",
		Interval:    5 * time.Second,
	}
}

// SecurityFeedConfig is the security channel feed.
func SecurityFeedConfig() FeedConfig {
	return FeedConfig{
		Name:        "security",
		Channel:     protocol.ChannelSecurity,
		UpdateType:  protocol.TypeSecurityUpdate,
		UpdatedType: "security_updated",
		PollPath:    "/api/security/monitoring",
		Interval:    10 * time.Second,
	}
}

// OnboardingFeedConfig is the onboarding channel feed.
func OnboardingFeedConfig() FeedConfig {
	return FeedConfig{
		Name:        "onboarding",
		Channel:     protocol.ChannelOnboarding,
		UpdateType:  protocol.TypeOnboardingUpdate,
		UpdatedType: "onboarding_updated",
		PollPath:    "/api/onboarding/events",
		Interval:    15 * time.Second,
	}
}

// Snapshot is the cached state of a feed.
type Snapshot struct {
	Data       json.RawMessage `json:"data"`
	Source     string          `json:"source"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Timestamp  time.Time       `json:"timestamp"` // from the payload; zero if absent
}

// Feed merges pushed hub updates and polled REST snapshots for one channel
// into a single cache. A snapshot whose payload timestamp is strictly older
// than the cached one is discarded whichever path delivered it.
type Feed struct {
	cfg     FeedConfig
	t       *Transport
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	mu   sync.RWMutex
	snap *Snapshot

	pollMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	offs []func()
}

// NewFeed subscribes t to the feed's channel and starts caching pushed
// updates. Polling against apiBaseURL starts with Start.
func NewFeed(t *Transport, cfg FeedConfig, apiBaseURL string, logger zerolog.Logger) *Feed {
	f := &Feed{
		cfg:     cfg,
		t:       t,
		baseURL: strings.TrimRight(apiBaseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.With().Str("component", "feed").Str("feed", cfg.Name).Logger(),
	}

	f.offs = append(f.offs,
		t.On(cfg.UpdateType, func(ev protocol.Event) {
			f.Accept(ev.Data, SourcePush)
		}),
		t.On(EventConnected, func(protocol.Event) {
			if !t.IsSubscribed(cfg.Channel) {
				t.Subscribe(cfg.Channel)
			}
		}),
	)
	t.Subscribe(cfg.Channel)
	return f
}

// Config returns the feed configuration.
func (f *Feed) Config() FeedConfig {
	return f.cfg
}

// Snapshot returns the cached snapshot, or nil before the first update.
func (f *Feed) Snapshot() *Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.snap == nil {
		return nil
	}
	s := *f.snap
	return &s
}

// Data returns the cached payload, or nil.
func (f *Feed) Data() json.RawMessage {
	if s := f.Snapshot(); s != nil {
		return s.Data
	}
	return nil
}

// Accept offers a snapshot to the cache. It returns false when data is
// older than the cached snapshot. Accepted data is emitted as UpdatedType.
func (f *Feed) Accept(data json.RawMessage, source string) bool {
	ts := payloadTime(data)
	now := time.Now()

	f.mu.Lock()
	if f.snap != nil && !ts.IsZero() && !f.snap.Timestamp.IsZero() && ts.Before(f.snap.Timestamp) {
		cached := f.snap.Timestamp
		f.mu.Unlock()
		f.log.Debug().
			Str("source", source).
			Time("incoming", ts).
			Time("cached", cached).
			Msg("discarding stale snapshot")
		return false
	}
	f.snap = &Snapshot{Data: data, Source: source, ReceivedAt: now, Timestamp: ts}
	f.mu.Unlock()

	f.t.emit(f.cfg.UpdatedType, protocol.Event{
		Type:      f.cfg.UpdatedType,
		Data:      data,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
	return true
}

// payloadTime reads the payload's own "timestamp" field.
func payloadTime(data json.RawMessage) time.Time {
	if len(data) == 0 {
		return time.Time{}
	}
	v := gjson.GetBytes(data, "timestamp")
	if !v.Exists() {
		return time.Time{}
	}
	if v.Type == gjson.Number {
		return time.UnixMilli(v.Int())
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String())
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Start polls the REST endpoint every Interval until ctx is done or Stop
// is called. Calling Start again restarts polling. A feed without a
// positive Interval is push-only and Start does nothing.
func (f *Feed) Start(ctx context.Context) {
	f.Stop()
	if f.cfg.Interval <= 0 {
		f.log.Debug().Msg("polling disabled")
		return
	}

	f.pollMu.Lock()
	defer f.pollMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.cancel, f.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(f.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
					f.log.Warn().Err(err).Msg("poll failed")
				}
			}
		}
	}()
}

// Stop ends polling and waits for the poll goroutine to exit.
func (f *Feed) Stop() {
	f.pollMu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.pollMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Poll fetches one snapshot from the REST endpoint. The response shape is
// {success, data}; success:false is reported as an error and not cached.
func (f *Feed) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+f.cfg.PollPath, nil)
	if err != nil {
		return errors.Wrap(err, "feed: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "feed: GET %s", f.cfg.PollPath)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "feed: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("feed: GET %s: status %d", f.cfg.PollPath, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return errors.Errorf("feed: GET %s: invalid JSON", f.cfg.PollPath)
	}
	if !gjson.GetBytes(body, "success").Bool() {
		return errors.Errorf("feed: GET %s: success=false: %s", f.cfg.PollPath, gjson.GetBytes(body, "error").String())
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return errors.Errorf("feed: GET %s: response without data", f.cfg.PollPath)
	}
	f.Accept(json.RawMessage(data.Raw), SourcePoll)
	return nil
}

// Close stops polling and removes the feed's handlers from the transport.
func (f *Feed) Close() {
	f.Stop()
	for _, off := range f.offs {
		off()
	}
	f.offs = nil
}

// OnboardingFeed is the onboarding Feed plus a bounded log of
// onboarding_started events, each re-emitted as onboarding_event.
type OnboardingFeed struct {
	*Feed
	events *EventLog
}

// EventOnboarding is emitted for every onboarding_started event.
const EventOnboarding = "onboarding_event"

// NewOnboardingFeed creates the onboarding feed.
func NewOnboardingFeed(t *Transport, apiBaseURL string, logger zerolog.Logger) *OnboardingFeed {
	of := &OnboardingFeed{
		Feed:   NewFeed(t, OnboardingFeedConfig(), apiBaseURL, logger),
		events: NewEventLog(MaxOnboardingEvents),
	}
	of.offs = append(of.offs, t.On(protocol.TypeOnboardingStarted, func(ev protocol.Event) {
		of.events.Add(ev.Data)
		t.emit(EventOnboarding, protocol.Event{Type: EventOnboarding, Data: ev.Data, Timestamp: ev.Timestamp})
	}))
	return of
}

// Events returns the retained onboarding_started payloads, oldest first.
func (of *OnboardingFeed) Events() []json.RawMessage {
	return of.events.Events()
}

// ClearEvents empties the event log.
func (of *OnboardingFeed) ClearEvents() {
	of.events.Clear()
}
