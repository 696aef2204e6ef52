package hub

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// channel subscriptions and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // session ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	lastActivity atomic.Int64 // unix nanos of the last frame read
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	writeMu      sync.Mutex   // serializes writes to this connection

	subMu sync.RWMutex
	subs  map[string]struct{}
}

func newConnection(id string, conn net.Conn, fd int) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		subs:      make(map[string]struct{}),
	}
	c.Touch()
	return c
}

// Touch records activity on the connection for the heartbeat.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last frame read from the client.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Subscribe adds channel to the connection's set. It reports whether the
// channel was newly added.
func (c *Connection) Subscribe(channel string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[channel]; ok {
		return false
	}
	c.subs[channel] = struct{}{}
	return true
}

// Unsubscribe removes channel from the connection's set. It reports whether
// the channel was present.
func (c *Connection) Unsubscribe(channel string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[channel]; !ok {
		return false
	}
	delete(c.subs, channel)
	return true
}

// IsSubscribed reports whether the connection listens on channel.
func (c *Connection) IsSubscribed(channel string) bool {
	c.subMu.RLock()
	_, ok := c.subs[channel]
	c.subMu.RUnlock()
	return ok
}

// Channels returns the subscribed channels in sorted order.
func (c *Connection) Channels() []string {
	c.subMu.RLock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	c.subMu.RUnlock()
	sort.Strings(out)
	return out
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeWithDeadline writes a text frame under a write deadline that is
// cleared afterwards so it doesn't affect heartbeat pings. The deadline is
// set and cleared while holding writeMu so concurrent writers cannot reset
// each other's deadline.
func (c *Connection) writeWithDeadline(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps session IDs and file
// descriptors to their respective Connection objects.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // session_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove removes a connection by session ID and closes it. Returns true if
// the connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if fd >= 0 {
		return cm.byFd[fd]
	}
	// Non-Linux fallback: no descriptors, scan by identity.
	for _, conn := range cm.byID {
		if conn.Conn == c {
			return conn
		}
	}
	return nil
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Subscribers returns a snapshot of the connections subscribed to channel.
func (cm *ConnectionManager) Subscribers(channel string) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		if conn.IsSubscribed(channel) {
			conns = append(conns, conn)
		}
	}
	cm.mu.RUnlock()
	return conns
}

// SubscriberCounts returns the number of subscribers per channel.
func (cm *ConnectionManager) SubscriberCounts() map[string]int {
	counts := make(map[string]int)
	for _, conn := range cm.All() {
		for _, ch := range conn.Channels() {
			counts[ch]++
		}
	}
	return counts
}
