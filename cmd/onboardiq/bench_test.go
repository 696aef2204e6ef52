package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboardiq/platform/internal/hub"
	"github.com/onboardiq/platform/internal/protocol"
)

func TestMetricsURLFor(t *testing.T) {
	tests := []struct {
		hub  string
		want string
	}{
		{"ws://localhost:8084", "http://localhost:8084/metrics"},
		{"ws://localhost:8084/ws", "http://localhost:8084/metrics"},
		{"wss://hub.example.com/ws?token=x", "https://hub.example.com/metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.hub, func(t *testing.T) {
			assert.Equal(t, tt.want, metricsURLFor(tt.hub))
		})
	}
}

func TestRunBench_AgainstHub(t *testing.T) {
	cfg := hub.DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	s, err := hub.NewServer(cfg, zerolog.Nop())
	require.NoError(t, err)

	snapshot, err := protocol.NewEvent(protocol.TypeAnalyticsUpdate, map[string]int{"activeUsers": 1})
	require.NoError(t, err)
	s.SetOnSubscribe(func(conn *hub.Connection, channel string) {
		if channel == protocol.ChannelAnalytics {
			_ = conn.WriteMessage(snapshot)
		}
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	hubURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	collector := runBench(context.Background(), hubURL, benchOptions{
		connections: 5,
		concurrency: 2,
		ramp:        50 * time.Millisecond,
		hold:        200 * time.Millisecond,
		channel:     protocol.ChannelAnalytics,
		metricsURL:  ts.URL + "/metrics",
	}, zerolog.Nop())

	assert.Equal(t, 5, collector.ConnectionCount())
	assert.Equal(t, 0, collector.ErrorCount())

	var buf bytes.Buffer
	collector.Report(&buf)
	assert.Contains(t, buf.String(), "First Update Latency")
	assert.Contains(t, buf.String(), "Hub Metrics (Prometheus)")
}
