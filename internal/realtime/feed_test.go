package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboardiq/platform/internal/protocol"
)

func TestNewFeedSubscribesWhileDisconnected(t *testing.T) {
	tr := newTestTransport("ws://127.0.0.1:1")
	NewFeed(tr, AnalyticsFeedConfig(), "", zerolog.Nop())
	NewFeed(tr, SecurityFeedConfig(), "", zerolog.Nop())

	assert.Equal(t, []string{"analytics", "security"}, tr.Subscriptions())
}

func TestFeedDiscardsOlderSnapshots(t *testing.T) {
	tr := newTestTransport("ws://127.0.0.1:1")
	f := NewFeed(tr, AnalyticsFeedConfig(), "", zerolog.Nop())

	var updates int32
	tr.On("analytics_updated", func(protocol.Event) { atomic.AddInt32(&updates, 1) })

	newer := json.RawMessage(`{"activeUsers":2,"timestamp":"2024-05-01T10:00:05Z"}`)
	older := json.RawMessage(`{"activeUsers":1,"timestamp":"2024-05-01T10:00:00Z"}`)
	same := json.RawMessage(`{"activeUsers":3,"timestamp":"2024-05-01T10:00:05Z"}`)
	untimed := json.RawMessage(`{"activeUsers":4}`)

	assert.True(t, f.Accept(newer, SourcePush))
	assert.False(t, f.Accept(older, SourcePoll), "older poll result must not overwrite a newer push")
	assert.JSONEq(t, string(newer), string(f.Data()))

	assert.True(t, f.Accept(same, SourcePoll), "equal timestamps: arrival order wins")
	assert.Equal(t, SourcePoll, f.Snapshot().Source)

	assert.True(t, f.Accept(untimed, SourcePush))
	assert.True(t, f.Snapshot().Timestamp.IsZero())
	assert.True(t, f.Accept(older, SourcePoll), "no cached timestamp to compare against")

	assert.Equal(t, int32(4), atomic.LoadInt32(&updates))
}

func TestFeedCachesPushedUpdates(t *testing.T) {
	tr := newTestTransport("ws://127.0.0.1:1")
	f := NewFeed(tr, SecurityFeedConfig(), "", zerolog.Nop())

	got := make(chan protocol.Event, 1)
	tr.On("security_updated", func(ev protocol.Event) { got <- ev })

	tr.emit(protocol.TypeSecurityUpdate, protocol.Event{
		Type: protocol.TypeSecurityUpdate,
		Data: json.RawMessage(`{"threatLevel":"low"}`),
	})

	ev := <-got
	assert.JSONEq(t, `{"threatLevel":"low"}`, string(ev.Data))
	assert.Equal(t, SourcePush, f.Snapshot().Source)
}

func TestFeedPoll(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analytics/real-time", r.URL.Path)
		if fail.Load() {
			w.Write([]byte(`{"success":false,"error":"down"}`))
			return
		}
		w.Write([]byte(`{"success":true,"data":{"activeUsers":12,"timestamp":"2024-05-01T10:00:00Z"}}`))
	}))
	defer srv.Close()

	tr := newTestTransport("ws://127.0.0.1:1")
	f := NewFeed(tr, AnalyticsFeedConfig(), srv.URL, zerolog.Nop())

	require.NoError(t, f.Poll(context.Background()))
	assert.JSONEq(t, `{"activeUsers":12,"timestamp":"2024-05-01T10:00:00Z"}`, string(f.Data()))
	assert.Equal(t, SourcePoll, f.Snapshot().Source)

	fail.Store(true)
	err := f.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Contains(t, string(f.Data()), `"activeUsers":12`, "failed poll keeps the cache")
}

func TestFeedStartStop(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		fmt.Fprintf(w, `{"success":true,"data":{"n":%d}}`, n)
	}))
	defer srv.Close()

	tr := newTestTransport("ws://127.0.0.1:1")
	cfg := SecurityFeedConfig()
	cfg.Interval = 5 * time.Millisecond
	f := NewFeed(tr, cfg, srv.URL, zerolog.Nop())

	f.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) >= 3 }, 2*time.Second, 5*time.Millisecond)
	f.Stop()

	stopped := atomic.LoadInt32(&hits)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&hits))
}

func TestFeedStartWithoutIntervalIsPushOnly(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"success":true,"data":{}}`)
	}))
	defer srv.Close()

	tr := newTestTransport("ws://127.0.0.1:1")
	for _, interval := range []time.Duration{0, -time.Second} {
		cfg := AnalyticsFeedConfig()
		cfg.Interval = interval
		f := NewFeed(tr, cfg, srv.URL, zerolog.Nop())

		require.NotPanics(t, func() { f.Start(context.Background()) })
		time.Sleep(20 * time.Millisecond)
		f.Stop()
	}
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestOnboardingFeedKeepsLastEvents(t *testing.T) {
	tr := newTestTransport("ws://127.0.0.1:1")
	of := NewOnboardingFeed(tr, "", zerolog.Nop())

	var reemitted int32
	tr.On(EventOnboarding, func(protocol.Event) { atomic.AddInt32(&reemitted, 1) })

	for i := 0; i < MaxOnboardingEvents+5; i++ {
		tr.emit(protocol.TypeOnboardingStarted, protocol.Event{
			Type: protocol.TypeOnboardingStarted,
			Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}

	events := of.Events()
	require.Len(t, events, MaxOnboardingEvents)
	assert.JSONEq(t, `{"n":5}`, string(events[0]))
	assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, MaxOnboardingEvents+4), string(events[len(events)-1]))
	assert.Equal(t, int32(MaxOnboardingEvents+5), atomic.LoadInt32(&reemitted))

	of.ClearEvents()
	assert.Empty(t, of.Events())
}

func TestFeedResubscribesOnConnect(t *testing.T) {
	hub := newFakeHub(t)
	tr := newTestTransport(hub.url())
	f := NewFeed(tr, AnalyticsFeedConfig(), "", zerolog.Nop())
	defer f.Close()

	require.NoError(t, tr.Connect(context.Background()))
	hub.nextConn(t)
	hub.expect(t, "subscribe_analytics")

	// Disconnect clears the set; the next connect restores it.
	tr.Disconnect()
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	hub.nextConn(t)
	hub.expect(t, "subscribe_analytics")
	assert.True(t, tr.IsSubscribed("analytics"))
}
