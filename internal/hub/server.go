// Package hub is the real-time WebSocket server. It upgrades HTTP
// connections, keeps a per-connection channel subscription set driven by
// subscribe_<channel> / unsubscribe_<channel> control messages, and fans
// published channel updates out to the subscribed connections only.
package hub

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/metrics"
	"github.com/onboardiq/platform/internal/protocol"
)

// ErrConnectionNotFound is returned by SendMessage for unknown session IDs.
var ErrConnectionNotFound = errors.New("hub: connection not found")

// ServerConfig holds tunable parameters for the hub.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8084"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8084",
		WorkerPoolSize: 64,
		MaxConnections: 10000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// SubscribeHook is invoked after a connection subscribes to a channel, e.g.
// to send it the latest cached snapshot.
type SubscribeHook func(conn *Connection, channel string)

// Server is the WebSocket hub built on gobwas/ws and epoll. Ready
// connections are dispatched to a bounded worker pool for frame reading.
type Server struct {
	config      ServerConfig
	log         zerolog.Logger
	poller      *poller
	conns       *ConnectionManager
	dispatcher  *MessageDispatcher
	onSubscribe SubscribeHook
	workerPool  chan struct{} // semaphore limiting concurrent read workers
	httpServer  *http.Server
	done        chan struct{}
	closeOnce   sync.Once
	startedAt   time.Time
	running     atomic.Bool
}

// NewServer creates a Server. The poller is created eagerly so that
// Handler can be mounted before Serve is called.
func NewServer(config ServerConfig, logger zerolog.Logger) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}

	p, err := newPoller()
	if err != nil {
		return nil, errors.Wrap(err, "hub: failed to create poller")
	}

	s := &Server{
		config:     config,
		log:        logger.With().Str("component", "hub").Logger(),
		poller:     p,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.dispatcher = NewMessageDispatcher(s)
	return s, nil
}

// Dispatcher returns the dispatcher so callers can register handlers for
// client-originated event types.
func (s *Server) Dispatcher() *MessageDispatcher {
	return s.dispatcher
}

// SetOnSubscribe registers a hook run after each successful subscription.
func (s *Server) SetOnSubscribe(fn SubscribeHook) {
	s.onSubscribe = fn
}

// Handler returns the HTTP routes of the hub: the WebSocket upgrade on "/"
// and "/ws", plus "/health".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "hub: listen %s", s.config.ListenAddr)
	}
	return s.Serve(l)
}

// Serve runs the event loop and heartbeat, then blocks serving HTTP on l.
func (s *Server) Serve(l net.Listener) error {
	s.startLoops()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().
		Str("addr", l.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("hub listening")

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "hub: http server error")
	}
	return nil
}

// startLoops launches the event loop and heartbeat once.
func (s *Server) startLoops() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.startedAt = time.Now()
	go s.eventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, registers it and sends the greeting.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.startLoops()

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	readConn, err := s.poller.add(netConn)
	if err != nil {
		s.log.Error().Err(err).Msg("poller add failed")
		_ = netConn.Close()
		return
	}

	c := newConnection(uuid.New().String(), readConn, socketFD(netConn))
	s.conns.Add(c)
	metrics.HubConnections.Set(float64(s.conns.Count()))

	greeting, err := protocol.NewEvent(protocol.TypeConnection, protocol.ConnectionData{
		SessionID: c.ID,
		Message:   "Connected to OnboardIQ real-time server",
	})
	if err == nil {
		err = c.writeWithDeadline(greeting, s.config.WriteTimeout)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("session", c.ID).Msg("failed to send greeting")
	}

	s.log.Info().
		Str("session", c.ID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// handleHealth reports connection and subscription counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status        string         `json:"status"`
		Connections   int            `json:"connections"`
		Subscriptions map[string]int `json:"subscriptions"`
		Uptime        string         `json:"uptime"`
		Timestamp     string         `json:"timestamp"`
	}{
		Status:        "healthy",
		Connections:   s.conns.Count(),
		Subscriptions: s.conns.SubscriberCounts(),
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop runs the poller wait loop. Each ready connection is read by a
// worker goroutine bounded by the worker pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.wait(250 * time.Millisecond)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error().Err(err).Msg("poller wait error")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, conn := range conns {
			conn := conn

			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on
// a data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poller.rearm(c.Conn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch; the heartbeat handles dead peers.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	metrics.HubFramesTotal.WithLabelValues("in").Inc()
	s.dispatcher.Dispatch(c, data)
}

// RemoveConnection removes a connection from the poller and the connection
// manager, and closes it. Concurrent removals of the same connection are
// harmless.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.HubConnections.Set(float64(s.conns.Count()))
	s.refreshSubscriptionGauge()

	s.log.Info().
		Str("session", c.ID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return errors.Wrap(ErrConnectionNotFound, connID)
	}
	return c.writeWithDeadline(data, s.config.WriteTimeout)
}

// Publish writes frame to every connection subscribed to channel and returns
// the number of successful deliveries. Failed connections are removed.
func (s *Server) Publish(channel string, frame []byte) int {
	delivered := 0
	for _, c := range s.conns.Subscribers(channel) {
		if err := c.writeWithDeadline(frame, s.config.WriteTimeout); err != nil {
			metrics.HubFramesTotal.WithLabelValues("dropped").Inc()
			s.log.Debug().Err(err).Str("session", c.ID).Str("channel", channel).Msg("publish write failed")
			s.RemoveConnection(c)
			continue
		}
		delivered++
	}
	metrics.HubFramesTotal.WithLabelValues("out").Add(float64(delivered))
	return delivered
}

// Connections returns the ConnectionManager for the heartbeat and tests.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

func (s *Server) refreshSubscriptionGauge() {
	metrics.HubSubscriptions.Reset()
	for ch, n := range s.conns.SubscriberCounts() {
		metrics.HubSubscriptions.WithLabelValues(ch).Set(float64(n))
	}
}

// Shutdown stops the HTTP listener, the event loop and heartbeat, closes all
// connections with a going-away close frame, and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down hub")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown error")
		}
	}

	closeFrame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown"))
	for _, c := range s.conns.All() {
		c.writeMu.Lock()
		_ = ws.WriteFrame(c.Conn, closeFrame)
		c.writeMu.Unlock()
		_ = s.poller.remove(c.Conn)
		s.conns.Remove(c.ID)
	}
	metrics.HubConnections.Set(0)

	if err := s.poller.close(); err != nil {
		return errors.Wrap(err, "hub: close poller")
	}
	s.log.Info().Msg("hub stopped, all connections closed")
	return nil
}
