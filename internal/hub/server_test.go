package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboardiq/platform/internal/protocol"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestHub(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second

	s, err := NewServer(cfg, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})

	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, url+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn net.Conn) protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	ev, err := protocol.ParseEvent(data)
	require.NoError(t, err)
	return ev
}

func send(t *testing.T, conn net.Conn, msgType string, data interface{}) {
	t.Helper()
	frame, err := protocol.NewEvent(msgType, data)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(conn, frame))
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHub_GreetsWithSessionID(t *testing.T) {
	_, url := newTestHub(t)
	conn := dial(t, url)

	ev := readEvent(t, conn)
	assert.Equal(t, protocol.TypeConnection, ev.Type)

	var data protocol.ConnectionData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.NotEmpty(t, data.SessionID)
}

func TestHub_PingPong(t *testing.T) {
	_, url := newTestHub(t)
	conn := dial(t, url)
	readEvent(t, conn) // greeting

	send(t, conn, protocol.TypePing, nil)
	assert.Equal(t, protocol.TypePong, readEvent(t, conn).Type)
}

func TestHub_PublishReachesOnlySubscribers(t *testing.T) {
	s, url := newTestHub(t)

	subscriber := dial(t, url)
	readEvent(t, subscriber)
	bystander := dial(t, url)
	readEvent(t, bystander)

	send(t, subscriber, protocol.SubscribePrefix+protocol.ChannelAnalytics, nil)
	ack := readEvent(t, subscriber)
	require.Equal(t, protocol.TypeSubscribed, ack.Type)
	assert.JSONEq(t, `{"channel":"analytics"}`, string(ack.Data))

	frame, err := protocol.NewEvent(protocol.TypeAnalyticsUpdate, map[string]int{"activeUsers": 42})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Publish(protocol.ChannelAnalytics, frame))

	got := readEvent(t, subscriber)
	assert.Equal(t, protocol.TypeAnalyticsUpdate, got.Type)
	assert.JSONEq(t, `{"activeUsers":42}`, string(got.Data))

	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = wsutil.ReadServerText(bystander)
	assert.Error(t, err, "unsubscribed connection must not receive channel frames")
}

func TestHub_Unsubscribe(t *testing.T) {
	s, url := newTestHub(t)
	conn := dial(t, url)
	readEvent(t, conn)

	send(t, conn, "subscribe_security", nil)
	readEvent(t, conn)
	send(t, conn, "unsubscribe_security", nil)
	assert.Equal(t, protocol.TypeUnsubscribed, readEvent(t, conn).Type)

	frame, err := protocol.NewEvent(protocol.TypeSecurityUpdate, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Publish(protocol.ChannelSecurity, frame))
}

func TestHub_OnSubscribeHook(t *testing.T) {
	s, url := newTestHub(t)
	s.SetOnSubscribe(func(c *Connection, channel string) {
		frame, _ := protocol.NewEvent(protocol.TypeOnboardingUpdate, map[string]string{"cached": channel})
		_ = c.WriteMessage(frame)
	})

	conn := dial(t, url)
	readEvent(t, conn)
	send(t, conn, "subscribe_onboarding", nil)

	assert.Equal(t, protocol.TypeSubscribed, readEvent(t, conn).Type)
	snap := readEvent(t, conn)
	assert.Equal(t, protocol.TypeOnboardingUpdate, snap.Type)
	assert.JSONEq(t, `{"cached":"onboarding"}`, string(snap.Data))
}

func TestHub_RegisteredHandlerAndUnsupportedType(t *testing.T) {
	s, url := newTestHub(t)
	got := make(chan protocol.Event, 1)
	s.Dispatcher().Register(protocol.TypeOnboardingStarted, func(_ *Connection, ev protocol.Event) {
		got <- ev
	})

	conn := dial(t, url)
	readEvent(t, conn)

	send(t, conn, protocol.TypeOnboardingStarted, map[string]string{"userId": "u-1"})
	select {
	case ev := <-got:
		assert.JSONEq(t, `{"userId":"u-1"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	send(t, conn, "teleport", nil)
	errEv := readEvent(t, conn)
	assert.Equal(t, protocol.TypeError, errEv.Type)
	assert.Contains(t, string(errEv.Data), "unsupported_type")

	require.NoError(t, wsutil.WriteClientText(conn, []byte("not json")))
	assert.Contains(t, string(readEvent(t, conn).Data), "parse_error")
}

func TestHub_Health(t *testing.T) {
	s, err := NewServer(DefaultServerConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["connections"])
}

func TestHeartbeat_EvictsIdleConnections(t *testing.T) {
	s, err := NewServer(DefaultServerConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	server, client := net.Pipe()
	defer client.Close()
	s.Connections().Add(newConnection("stale", server, -1))

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	checkConnections(s, cfg, time.Now().Add(time.Minute))

	assert.Nil(t, s.Connections().Get("stale"))
	assert.Equal(t, 0, s.Connections().Count())
}
