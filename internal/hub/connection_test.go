package hub

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, id string) *Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return newConnection(id, a, -1)
}

func TestConnection_SubscriptionSet(t *testing.T) {
	c := pipeConn(t, "c1")

	assert.True(t, c.Subscribe("analytics"))
	assert.False(t, c.Subscribe("analytics"), "duplicate subscribe is a no-op")
	assert.True(t, c.Subscribe("security"))
	assert.Equal(t, []string{"analytics", "security"}, c.Channels())

	assert.True(t, c.Unsubscribe("analytics"))
	assert.False(t, c.Unsubscribe("analytics"))
	assert.False(t, c.IsSubscribed("analytics"))
	assert.True(t, c.IsSubscribed("security"))
}

func TestConnectionManager_Subscribers(t *testing.T) {
	cm := NewConnectionManager()
	a := pipeConn(t, "a")
	b := pipeConn(t, "b")
	cm.Add(a)
	cm.Add(b)

	a.Subscribe("analytics")
	a.Subscribe("onboarding")
	b.Subscribe("analytics")

	assert.Len(t, cm.Subscribers("analytics"), 2)
	assert.Len(t, cm.Subscribers("onboarding"), 1)
	assert.Empty(t, cm.Subscribers("security"))
	assert.Equal(t, map[string]int{"analytics": 2, "onboarding": 1}, cm.SubscriberCounts())

	assert.True(t, cm.Remove("a"))
	assert.False(t, cm.Remove("a"))
	assert.Equal(t, 1, cm.Count())
	assert.Equal(t, b, cm.GetByConn(b.Conn))
}

func TestConnection_ConcurrentWritesKeepDeadline(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	c := newConnection("stalled", a, -1)

	// Nobody reads from b, so every write has to time out.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.writeWithDeadline([]byte(`{"type":"analytics_update"}`), 20*time.Millisecond)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a write blocked past its deadline on a stalled peer")
	}
	close(errs)
	for err := range errs {
		assert.Error(t, err)
	}
}

func TestConnection_DeadlineClearedAfterWrite(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	c := newConnection("c1", a, -1)

	go func() { _, _ = io.Copy(io.Discard, b) }()
	require.NoError(t, c.writeWithDeadline([]byte(`{"type":"pong"}`), 20*time.Millisecond))

	time.Sleep(40 * time.Millisecond)
	assert.NoError(t, c.WriteMessage([]byte(`{"type":"pong"}`)))
}
