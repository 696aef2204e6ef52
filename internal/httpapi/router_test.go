package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/onboardiq/platform/internal/analytics"
	"github.com/onboardiq/platform/internal/audit"
	"github.com/onboardiq/platform/internal/config"
	"github.com/onboardiq/platform/internal/outcome"
	"github.com/onboardiq/platform/internal/protocol"
	"github.com/onboardiq/platform/internal/provider/foxit"
	"github.com/onboardiq/platform/internal/provider/vonage"
	"github.com/onboardiq/platform/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type memFeeds struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	events    map[string][]json.RawMessage
}

func newMemFeeds() *memFeeds {
	return &memFeeds{snapshots: map[string][]byte{}, events: map[string][]json.RawMessage{}}
}

func (m *memFeeds) SaveSnapshot(_ context.Context, channel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[channel] = data
	return nil
}

func (m *memFeeds) AppendEvent(_ context.Context, channel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[channel] = append([]json.RawMessage{data}, m.events[channel]...)
	return nil
}

func (m *memFeeds) RecentEvents(_ context.Context, channel string, limit int) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[channel]
	if limit > 0 && len(ev) > limit {
		ev = ev[:limit]
	}
	return ev, nil
}

type published struct {
	channel string
	event   protocol.Event
}

type recPublisher struct {
	mu  sync.Mutex
	got []published
}

func (p *recPublisher) PublishRealtime(channel string, frame []byte) error {
	ev, err := protocol.ParseEvent(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{channel: channel, event: ev})
	return nil
}

func (p *recPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.got))
	for _, g := range p.got {
		out = append(out, g.event.Type)
	}
	return out
}

type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	fail   bool
}

func (f *fakeLimiter) Allow(_ context.Context, id string, rule ratelimit.Rule) (bool, error) {
	if f.fail {
		return true, errors.New("redis down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[rule.Key+id]++
	return f.counts[rule.Key+id] <= rule.Limit, nil
}

func (f *fakeLimiter) Remaining(_ context.Context, id string, rule ratelimit.Rule) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	left := rule.Limit - f.counts[rule.Key+id]
	if left < 0 {
		left = 0
	}
	return left, nil
}

func (f *fakeLimiter) Reset(context.Context, string, ratelimit.Rule) time.Duration {
	return 42 * time.Second
}

type fakeLockout struct {
	mu       sync.Mutex
	failures map[string]int
	locked   map[string]bool
}

func newFakeLockout() *fakeLockout {
	return &fakeLockout{failures: map[string]int{}, locked: map[string]bool{}}
}

func (f *fakeLockout) Locked(_ context.Context, id string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[id] {
		return true, 90 * time.Second, nil
	}
	return false, 0, nil
}

func (f *fakeLockout) RecordFailure(_ context.Context, id string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	if f.failures[id] >= 2 {
		f.locked[id] = true
		return 15 * time.Minute, nil
	}
	return 0, nil
}

func (f *fakeLockout) Clear(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, id)
	delete(f.locked, id)
	return nil
}

type fakeAudit struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (f *fakeAudit) Record(_ context.Context, rec audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeAudit) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Entry
	for i := len(f.recs) - 1; i >= 0 && len(out) < limit; i-- {
		r := f.recs[i]
		out = append(out, audit.Entry{ID: int64(i + 1), Vendor: r.Vendor, Operation: r.Operation, Status: r.Status, RequestID: r.RequestID})
	}
	return out, nil
}

func (f *fakeAudit) records() []audit.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Record(nil), f.recs...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type testAPI struct {
	handler   http.Handler
	feeds     *memFeeds
	publisher *recPublisher
	audit     *fakeAudit
}

func newTestAPI(t *testing.T, mockOnFailure bool, mutate ...func(*Deps)) *testAPI {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.OpenAI.APIKey = ""

	ta := &testAPI{feeds: newMemFeeds(), publisher: &recPublisher{}, audit: &fakeAudit{}}
	now := func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	d := Deps{
		Config:    cfg,
		Vonage:    vonage.New(vonage.Config{MockOnFailure: mockOnFailure}, zerolog.Nop()),
		Foxit:     foxit.New(foxit.Config{MockOnFailure: mockOnFailure}, zerolog.Nop()),
		Analytics: analytics.NewSeededGenerator(7, now),
		Feeds:     ta.feeds,
		Publisher: ta.publisher,
		Audit:     ta.audit,
		Logger:    zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&d)
	}
	ta.handler = NewRouter(d)
	return ta
}

func (ta *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealth_ReportsMockServicesAndProbes(t *testing.T) {
	ta := newTestAPI(t, true, func(d *Deps) {
		d.Probes = map[string]func(context.Context) error{
			"redis": func(context.Context) error { return nil },
			"nats":  func(context.Context) error { return errors.New("no servers") },
		}
	})

	rec := ta.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "degraded", gjson.Get(body, "status").String())
	assert.Equal(t, "mock", gjson.Get(body, "services.vonage").String())
	assert.Equal(t, "mock", gjson.Get(body, "services.foxit").String())
	assert.Equal(t, "mock", gjson.Get(body, "services.openai").String())
	assert.Equal(t, "operational", gjson.Get(body, "services.redis").String())
	assert.Equal(t, "unavailable", gjson.Get(body, "services.nats").String())
	assert.Equal(t, "1.0.0", gjson.Get(body, "version").String())
}

func TestVendorHealth(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodGet, "/api/foxit/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mock", gjson.Get(rec.Body.String(), "status").String())
	assert.True(t, gjson.Get(rec.Body.String(), "mockOnFailure").Bool())
	assert.Len(t, gjson.Get(rec.Body.String(), "features").Array(), len(foxit.Features))

	rec = ta.do(http.MethodGet, "/api/vonage/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "configured").Bool())

	rec = ta.do(http.MethodGet, "/api/ai-agents/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mock", gjson.Get(rec.Body.String(), "agents.conversational").String())
}

// ---------------------------------------------------------------------------
// Vonage
// ---------------------------------------------------------------------------

func TestCheckVerification_MockCodeVerifiesAndPublishes(t *testing.T) {
	ta := newTestAPI(t, true)

	req := httptest.NewRequest(http.MethodPost, "/api/vonage/check-verification",
		strings.NewReader(`{"requestId":"demo_1","code":"123456","userId":"u1"}`))
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "success").Bool())
	assert.True(t, gjson.Get(body, "degraded").Bool())
	assert.Equal(t, "degraded", gjson.Get(body, "status").String())
	assert.True(t, gjson.Get(body, "data.verified").Bool())
	assert.Equal(t, "verified", gjson.Get(body, "data.status").String())
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	assert.Equal(t, []string{protocol.TypeSMSVerified}, ta.publisher.types())
	events, _ := ta.feeds.RecentEvents(context.Background(), protocol.ChannelOnboarding, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", gjson.GetBytes(events[0], "data.userId").String())

	recs := ta.audit.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "vonage", recs[0].Vendor)
	assert.Equal(t, "check-verification", recs[0].Operation)
	assert.Equal(t, outcome.StatusDegraded, recs[0].Status)
	assert.Equal(t, "req-42", recs[0].RequestID)
	assert.NotEmpty(t, recs[0].Error)
}

func TestCheckVerification_WrongMockCode(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodPost, "/api/vonage/check-verification", `{"requestId":"demo_1","code":"000000"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "data.verified").Bool())
	assert.Equal(t, "failed", gjson.Get(rec.Body.String(), "data.status").String())
	assert.Empty(t, ta.publisher.types())
}

func TestCheckVerification_LocksOutAfterFailures(t *testing.T) {
	lock := newFakeLockout()
	ta := newTestAPI(t, true, func(d *Deps) { d.Lockout = lock })

	for i := 0; i < 2; i++ {
		rec := ta.do(http.MethodPost, "/api/vonage/check-verification", `{"requestId":"demo_1","code":"000000"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ta.do(http.MethodPost, "/api/vonage/check-verification", `{"requestId":"demo_1","code":"123456"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.False(t, gjson.Get(rec.Body.String(), "success").Bool())

	rec = ta.do(http.MethodPost, "/api/vonage/start-verification", `{"phoneNumber":"+15551234567"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCheckVerification_ForwardedForCannotEvadeLockout(t *testing.T) {
	lock := newFakeLockout()
	ta := newTestAPI(t, true, func(d *Deps) { d.Lockout = lock })

	codes := make([]int, 0, 10)
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/vonage/check-verification",
			strings.NewReader(`{"requestId":"demo_1","code":"000000"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rec := httptest.NewRecorder()
		ta.handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	for _, code := range codes[2:] {
		assert.Equal(t, http.StatusTooManyRequests, code)
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()
	assert.True(t, lock.locked["192.0.2.1"])
}

func TestClientIP(t *testing.T) {
	a := &api{proxies: parseProxies([]string{"10.0.0.0/8", "192.0.2.1", "bogus"}, zerolog.Nop())}

	tests := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"untrusted peer ignores header", "198.51.100.7:5000", []string{"1.2.3.4"}, "198.51.100.7"},
		{"trusted peer uses header", "192.0.2.1:5000", []string{"203.0.113.9"}, "203.0.113.9"},
		{"rightmost untrusted hop wins", "192.0.2.1:5000", []string{"1.2.3.4, 203.0.113.9, 10.1.2.3"}, "203.0.113.9"},
		{"multiple header lines", "10.9.9.9:5000", []string{"1.2.3.4", "203.0.113.9"}, "203.0.113.9"},
		{"all hops trusted", "192.0.2.1:5000", []string{"10.0.0.1"}, "192.0.2.1"},
		{"garbage hop stops the walk", "192.0.2.1:5000", []string{"203.0.113.9, junk"}, "192.0.2.1"},
		{"no header", "192.0.2.1:5000", nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, a.clientIP(req))
		})
	}
}

func TestCheckVerification_SuccessClearsFailures(t *testing.T) {
	lock := newFakeLockout()
	ta := newTestAPI(t, true, func(d *Deps) { d.Lockout = lock })

	ta.do(http.MethodPost, "/api/vonage/check-verification", `{"requestId":"demo_1","code":"000000"}`)
	rec := ta.do(http.MethodPost, "/api/vonage/check-verification", `{"requestId":"demo_1","code":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "data.verified").Bool())

	lock.mu.Lock()
	defer lock.mu.Unlock()
	assert.Empty(t, lock.failures)
}

func TestStartVerification_FailsWithoutMock(t *testing.T) {
	ta := newTestAPI(t, false)

	rec := ta.do(http.MethodPost, "/api/vonage/start-verification", `{"phoneNumber":"+14155550100"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := rec.Body.String()
	assert.False(t, gjson.Get(body, "success").Bool())
	assert.Equal(t, "failed", gjson.Get(body, "status").String())
	assert.False(t, gjson.Get(body, "data").Exists())

	recs := ta.audit.records()
	require.Len(t, recs, 1)
	assert.Equal(t, outcome.StatusFailed, recs[0].Status)
}

func TestStartVerification_Validation(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodPost, "/api/vonage/start-verification", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(http.MethodPost, "/api/vonage/start-verification", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Invalid numbers are never masked by the mock.
	rec = ta.do(http.MethodPost, "/api/vonage/start-verification", `{"phoneNumber":"call me"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "failed", gjson.Get(rec.Body.String(), "status").String())
}

func TestSendSMSAndBalance_Degraded(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodPost, "/api/vonage/send-sms", `{"to":"+14155550100","text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "15.50", gjson.Get(rec.Body.String(), "data.remaining_balance").String())
	assert.True(t, strings.HasPrefix(gjson.Get(rec.Body.String(), "data.message_id").String(), "sms_"))

	rec = ta.do(http.MethodGet, "/api/vonage/account-balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25.75, gjson.Get(rec.Body.String(), "data.balance").Float())
	assert.Equal(t, "USD", gjson.Get(rec.Body.String(), "data.currency").String())
	assert.True(t, gjson.Get(rec.Body.String(), "degraded").Bool())
}

// ---------------------------------------------------------------------------
// Foxit
// ---------------------------------------------------------------------------

func TestGenerateDocument(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodPost, "/api/foxit/generate-document", `{"templateId":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(http.MethodPost, "/api/foxit/generate-document",
		`{"templateId":"welcome_packet","data":{"customer_name":"Ada"},"userId":"u7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "degraded").Bool())
	assert.True(t, strings.HasPrefix(gjson.Get(body, "data.document_id").String(), "doc_"))
	assert.Equal(t, "2.4 MB", gjson.Get(body, "data.file_size").String())

	assert.Equal(t, []string{protocol.TypeDocumentCompleted}, ta.publisher.types())
}

func TestProcessWorkflow(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodPost, "/api/foxit/process-workflow", `{"workflowId":"w1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(http.MethodPost, "/api/foxit/process-workflow", `{"documentIds":["doc_1"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing workflowId is invalid")

	rec = ta.do(http.MethodPost, "/api/foxit/process-workflow", `{"workflowId":"w1","documentIds":["doc_1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(gjson.Get(rec.Body.String(), "data.processed_document_id").String(), "workflow_"))
}

func TestTemplatesAndDownload(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodGet, "/api/foxit/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "data").Array(), 3)

	rec = ta.do(http.MethodGet, "/api/foxit/documents/doc_1/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "true", rec.Header().Get(DegradedHeader))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF-1.4"))

	rec = ta.do(http.MethodGet, "/api/foxit/documents/bad.id/download", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	recs := ta.audit.records()
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	assert.Equal(t, "download", last.Operation)
	assert.Equal(t, outcome.StatusFailed, last.Status)
}

func TestDownload_FailsWithoutMock(t *testing.T) {
	ta := newTestAPI(t, false)

	rec := ta.do(http.MethodGet, "/api/foxit/documents/doc_does_not_exist/download", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEqual(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get(DegradedHeader))
	assert.False(t, gjson.Get(rec.Body.String(), "success").Bool())
}

// ---------------------------------------------------------------------------
// Feeds
// ---------------------------------------------------------------------------

func TestAnalyticsSnapshotIsPublishedAndCached(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodGet, "/api/analytics/real-time", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "realTime").Bool())
	assert.True(t, gjson.Get(body, "data.totalUsers").Exists())
	assert.Equal(t, "2024-05-01T10:00:00Z", gjson.Get(body, "data.timestamp").String())

	assert.Equal(t, []string{protocol.TypeAnalyticsUpdate}, ta.publisher.types())
	cached := ta.feeds.snapshots[protocol.ChannelAnalytics]
	require.NotNil(t, cached)
	assert.Equal(t, protocol.TypeAnalyticsUpdate, gjson.GetBytes(cached, "type").String())
}

func TestSecuritySnapshotRecordsRequester(t *testing.T) {
	ta := newTestAPI(t, true, func(d *Deps) {
		d.Config.Server.TrustedProxies = []string{"192.0.2.1", "10.0.0.0/8"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/security/monitoring", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.9", gjson.Get(rec.Body.String(), "data.recentEvents.0.ipAddress").String())
	assert.Equal(t, []string{protocol.TypeSecurityUpdate}, ta.publisher.types())
}

func TestOnboardingEvents_PostThenList(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodPost, "/api/onboarding/events", `{"type":"chat_message","data":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(http.MethodPost, "/api/onboarding/events", `{"type":"document_progress","data":{"progress":0.5}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ta.do(http.MethodGet, "/api/onboarding/events?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "data.count").Int())
	assert.Equal(t, "document_progress", gjson.Get(body, "data.events.0.type").String())
	assert.Equal(t, 0.5, gjson.Get(body, "data.events.0.data.progress").Float())
	assert.True(t, gjson.Get(body, "data.timestamp").Exists())
}

func TestStartOnboarding(t *testing.T) {
	ta := newTestAPI(t, true)

	rec := ta.do(http.MethodPost, "/api/onboarding/start", `{"userData":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(http.MethodPost, "/api/onboarding/start", `{"userData":{"id":"u1","companySize":5000}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "onboarding-1714557600000", gjson.Get(body, "data.id").String())
	assert.Equal(t, analytics.SegmentEnterprise, gjson.Get(body, "data.segment").String())
	assert.Equal(t, []string{protocol.TypeOnboardingStarted}, ta.publisher.types())
}

func TestVendorCalls(t *testing.T) {
	ta := newTestAPI(t, true)
	ta.do(http.MethodGet, "/api/vonage/account-balance", "")
	ta.do(http.MethodPost, "/api/vonage/check-verification", `{"requestId":"r","code":"1"}`)

	rec := ta.do(http.MethodGet, "/api/audit/vendor-calls?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "count").Int())
	assert.Equal(t, "check-verification", gjson.Get(rec.Body.String(), "data.0.operation").String())

	off := newTestAPI(t, true, func(d *Deps) { d.Audit = nil })
	rec = off.do(http.MethodGet, "/api/audit/vendor-calls", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRateLimitAPI(t *testing.T) {
	limiter := &fakeLimiter{counts: map[string]int{}}
	ta := newTestAPI(t, true, func(d *Deps) {
		d.Config.RateLimit = config.RateLimitConfig{Enabled: true, Limit: 2, Window: time.Minute}
		d.Limiter = limiter
	})

	for i := 0; i < 2; i++ {
		rec := ta.do(http.MethodGet, "/api/foxit/templates", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := ta.do(http.MethodGet, "/api/foxit/templates", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))

	// Non-API routes are not limited.
	rec = ta.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartVerification_LimitedPerPhone(t *testing.T) {
	ta := newTestAPI(t, true, func(d *Deps) {
		d.Config.RateLimit = config.RateLimitConfig{Enabled: true, Limit: 100, Window: time.Minute}
		d.Limiter = &fakeLimiter{counts: map[string]int{}}
	})

	for i := 0; i < ratelimit.RuleVerify.Limit; i++ {
		rec := ta.do(http.MethodPost, "/api/vonage/start-verification", `{"phoneNumber":"+15550000001"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ta.do(http.MethodPost, "/api/vonage/start-verification", `{"phoneNumber":"+15550000001"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, gjson.Get(rec.Body.String(), "error").String(), "this number")

	rec = ta.do(http.MethodPost, "/api/vonage/start-verification", `{"phoneNumber":"+15550000002"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	ta := newTestAPI(t, true, func(d *Deps) {
		d.Config.RateLimit = config.RateLimitConfig{Enabled: true, Limit: 1, Window: time.Minute}
		d.Limiter = &fakeLimiter{counts: map[string]int{}, fail: true}
	})

	for i := 0; i < 3; i++ {
		rec := ta.do(http.MethodGet, "/api/foxit/templates", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ta := newTestAPI(t, true)

	req := httptest.NewRequest(http.MethodOptions, "/api/vonage/send-sms", nil)
	req.Header.Set("Origin", "http://localhost:8081")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:8081", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRequestIDAssigned(t *testing.T) {
	ta := newTestAPI(t, true)
	rec := ta.do(http.MethodGet, "/health", "")
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func TestUnknownRoute(t *testing.T) {
	ta := newTestAPI(t, true)
	rec := ta.do(http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
