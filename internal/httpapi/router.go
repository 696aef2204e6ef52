// Package httpapi is the HTTP surface of the API process: health endpoints,
// the streaming chat endpoints, the Vonage and Foxit proxies and the REST
// side of the real-time feeds.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/analytics"
	"github.com/onboardiq/platform/internal/audit"
	"github.com/onboardiq/platform/internal/config"
	"github.com/onboardiq/platform/internal/metrics"
	"github.com/onboardiq/platform/internal/provider/foxit"
	"github.com/onboardiq/platform/internal/provider/vonage"
	"github.com/onboardiq/platform/internal/ratelimit"
	"github.com/onboardiq/platform/internal/streamchat"
)

// Publisher fans frames out to hub subscribers of a channel.
type Publisher interface {
	PublishRealtime(channel string, frame []byte) error
}

// FeedStore caches feed snapshots and the onboarding event log.
type FeedStore interface {
	SaveSnapshot(ctx context.Context, channel string, data []byte) error
	AppendEvent(ctx context.Context, channel string, data []byte) error
	RecentEvents(ctx context.Context, channel string, limit int) ([]json.RawMessage, error)
}

// RateLimiter is the subset of ratelimit.Limiter the middleware uses.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
	Reset(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// AuditLog records vendor calls and lists recent ones.
type AuditLog interface {
	audit.Recorder
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// VerifyLockout blocks clients after repeated wrong verification codes.
type VerifyLockout interface {
	Locked(ctx context.Context, identifier string) (bool, time.Duration, error)
	RecordFailure(ctx context.Context, identifier string) (time.Duration, error)
	Clear(ctx context.Context, identifier string) error
}

// Deps holds everything the router needs. Feeds, Publisher, Limiter, Lockout
// and Audit are optional; the features backed by them are skipped when nil.
type Deps struct {
	Config    config.Config
	Vonage    *vonage.Client
	Foxit     *foxit.Client
	Chat      *streamchat.Handler
	Analytics *analytics.Generator
	Feeds     FeedStore
	Publisher Publisher
	Limiter   RateLimiter
	Lockout   VerifyLockout
	Audit     AuditLog
	Logger    zerolog.Logger

	// Probes report backing service health for GET /health.
	Probes map[string]func(context.Context) error
}

type api struct {
	Deps
	log     zerolog.Logger
	apiRule ratelimit.Rule
	proxies []netip.Prefix
	now     func() time.Time
	started time.Time
}

// NewRouter builds the HTTP handler with its middleware chain.
func NewRouter(d Deps) http.Handler {
	a := &api{
		Deps:    d,
		log:     d.Logger.With().Str("component", "httpapi").Logger(),
		apiRule: ratelimit.RuleAPI.WithLimit(d.Config.RateLimit.Limit, d.Config.RateLimit.Window),
		now:     time.Now,
	}
	a.proxies = parseProxies(d.Config.Server.TrustedProxies, a.log)
	a.started = a.now()
	return a.routes()
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/ai-agents/health", a.handleAgentsHealth)
	mux.HandleFunc("GET /api/vonage/health", a.handleVonageHealth)
	mux.HandleFunc("GET /api/foxit/health", a.handleFoxitHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	if a.Chat != nil {
		chat := http.NewServeMux()
		a.Chat.Register(chat, "/api/streaming-chat")
		mux.Handle("/api/streaming-chat/", a.limit(ratelimit.RuleChat, chat))
	}

	mux.HandleFunc("POST /api/vonage/start-verification", a.handleStartVerification)
	mux.HandleFunc("POST /api/vonage/check-verification", a.handleCheckVerification)
	mux.HandleFunc("POST /api/vonage/send-sms", a.handleSendSMS)
	mux.HandleFunc("GET /api/vonage/account-balance", a.handleBalance)
	mux.HandleFunc("POST /api/vonage/account-balance", a.handleBalance)

	mux.HandleFunc("POST /api/foxit/generate-document", a.handleGenerateDocument)
	mux.HandleFunc("POST /api/foxit/process-workflow", a.handleProcessWorkflow)
	mux.HandleFunc("GET /api/foxit/templates", a.handleTemplates)
	mux.HandleFunc("GET /api/foxit/documents/{id}/download", a.handleDownload)

	mux.HandleFunc("GET /api/analytics/real-time", a.handleAnalytics)
	mux.HandleFunc("GET /api/security/monitoring", a.handleSecurity)
	mux.HandleFunc("GET /api/onboarding/events", a.handleListOnboardingEvents)
	mux.HandleFunc("POST /api/onboarding/events", a.handlePostOnboardingEvent)
	mux.HandleFunc("POST /api/onboarding/start", a.handleStartOnboarding)

	mux.HandleFunc("GET /api/audit/vendor-calls", a.handleVendorCalls)

	var h http.Handler = mux
	h = a.rateLimitAPI(h)
	h = a.cors(h)
	h = a.observe(h)
	h = requestID(h)
	return h
}
