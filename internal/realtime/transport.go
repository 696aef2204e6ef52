// Package realtime is the client side of the real-time hub: a WebSocket
// Transport with fixed-interval reconnect and subscription replay, the
// channel Feeds composed over it, and the Services context that wires one
// transport to the analytics, security and onboarding feeds.
package realtime

import (
	"bufio"
	"context"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/protocol"
)

var (
	// ErrNotConnected is returned by SendMessage while the socket is not open.
	ErrNotConnected = errors.New("realtime: websocket is not connected")

	// ErrConnectInProgress is returned by Connect while a dial is in flight.
	ErrConnectInProgress = errors.New("realtime: connection already in progress")

	errDisconnectedWhileDialing = errors.New("realtime: disconnected while connecting")
)

// State is the connection state reported by Transport.State.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// Config configures a Transport.
type Config struct {
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
}

// DefaultConfig returns the settings the hub is deployed with locally.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8084",
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
		DialTimeout:          10 * time.Second,
	}
}

// Transport maintains a single WebSocket connection to the hub.
//
// Received envelopes are emitted twice: once as EventMessage and once under
// their own type. Handlers run on the read goroutine of the connection, so
// per-connection ordering is preserved; they must not block for long.
type Transport struct {
	cfg    Config
	log    zerolog.Logger
	events *emitter
	dialer ws.Dialer

	mu       sync.Mutex
	state    State
	conn     net.Conn
	gen      uint64
	subs     map[string]struct{}
	attempts int
	manual   bool // set by Disconnect, cleared by Connect
	timer    *time.Timer

	writeMu sync.Mutex
}

// NewTransport creates a disconnected Transport. Zero fields in cfg take
// their DefaultConfig values.
func NewTransport(cfg Config, logger zerolog.Logger) *Transport {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	return &Transport{
		cfg:    cfg,
		log:    logger.With().Str("component", "realtime").Logger(),
		events: newEmitter(),
		state:  StateDisconnected,
		subs:   make(map[string]struct{}),
	}
}

// On registers a handler for event and returns a function that removes it.
func (t *Transport) On(event string, h Handler) func() {
	return t.events.on(event, h)
}

func (t *Transport) emit(event string, ev protocol.Event) {
	t.events.emit(event, ev)
}

func (t *Transport) emitLifecycle(event string) {
	t.emit(event, protocol.Event{Type: event, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
}

// Connect opens the connection. It returns nil immediately when already
// connected and ErrConnectInProgress while another dial is running. A failed
// dial is treated like an unclean close and schedules a reconnect.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.manual = false
	t.mu.Unlock()
	return t.connect(ctx, false)
}

func (t *Transport) connect(ctx context.Context, auto bool) error {
	t.mu.Lock()
	if auto && t.manual {
		t.mu.Unlock()
		return nil
	}
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return nil
	case StateConnecting:
		t.mu.Unlock()
		return ErrConnectInProgress
	}
	t.state = StateConnecting
	t.stopTimerLocked()
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	conn, br, _, err := t.dialer.Dial(dialCtx, t.cfg.URL)
	cancel()
	if err == nil && br != nil {
		// Frames that arrived with the handshake response are still buffered.
		conn = &bufferedConn{Conn: conn, r: br}
	}
	if err != nil {
		t.mu.Lock()
		if t.state == StateConnecting {
			t.state = StateDisconnected
		}
		t.mu.Unlock()

		t.log.Warn().Err(err).Str("url", t.cfg.URL).Msg("dial failed")
		t.emit(EventError, protocol.Event{Type: EventError, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
		if ctx.Err() == nil {
			t.scheduleReconnect()
		}
		return errors.Wrapf(err, "realtime: dial %s", t.cfg.URL)
	}

	t.mu.Lock()
	if t.state != StateConnecting {
		// Disconnect ran while the dial was in flight.
		t.mu.Unlock()
		conn.Close()
		return errDisconnectedWhileDialing
	}
	t.gen++
	gen := t.gen
	t.conn = conn
	t.state = StateConnected
	t.attempts = 0
	channels := t.subscriptionsLocked()
	t.mu.Unlock()

	t.log.Info().Str("url", t.cfg.URL).Int("subscriptions", len(channels)).Msg("connected")

	for _, ch := range channels {
		if err := t.sendControl(conn, protocol.SubscribeMessage, ch); err != nil {
			t.log.Warn().Err(err).Str("channel", ch).Msg("replay subscribe failed")
		}
	}

	go t.readLoop(conn, gen)
	t.emitLifecycle(EventConnected)
	return nil
}

// scheduleReconnect arms a single reconnect timer unless the client asked to
// disconnect or the attempt cap is reached.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manual || t.timer != nil {
		return
	}
	if t.attempts >= t.cfg.MaxReconnectAttempts {
		t.log.Error().Int("attempts", t.attempts).Msg("max reconnect attempts reached, giving up")
		return
	}
	t.attempts++
	t.log.Info().
		Int("attempt", t.attempts).
		Int("max", t.cfg.MaxReconnectAttempts).
		Dur("in", t.cfg.ReconnectInterval).
		Msg("scheduling reconnect")

	var timer *time.Timer
	timer = time.AfterFunc(t.cfg.ReconnectInterval, func() {
		t.mu.Lock()
		if t.timer == timer {
			t.timer = nil
		}
		t.mu.Unlock()

		if err := t.connect(context.Background(), true); err != nil && !errors.Is(err, ErrConnectInProgress) {
			t.log.Debug().Err(err).Msg("reconnect failed")
		}
	})
	t.timer = timer
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Disconnect closes the connection with status 1000, cancels any pending
// reconnect and clears the subscription set.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manual = true
	t.stopTimerLocked()
	conn := t.conn
	wasOpen := conn != nil
	if wasOpen {
		t.state = StateClosing
	} else {
		t.state = StateDisconnected
	}
	t.conn = nil
	t.subs = make(map[string]struct{})
	t.mu.Unlock()

	if wasOpen {
		// The read loop finishes the close handshake and releases conn.
		t.writeMu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "Client disconnect")
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		err := ws.WriteFrame(conn, ws.MaskFrame(ws.NewCloseFrame(body)))
		t.writeMu.Unlock()
		if err != nil {
			conn.Close()
		} else {
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		}

		t.mu.Lock()
		if t.state == StateClosing {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
	}

	t.log.Info().Msg("disconnected by client")
	t.emitLifecycle(EventDisconnected)
}

// Subscribe adds channel to the subscription set and, when connected, sends
// the subscribe control message.
func (t *Transport) Subscribe(channel string) {
	t.mu.Lock()
	t.subs[channel] = struct{}{}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return
	}
	if err := t.sendControl(conn, protocol.SubscribeMessage, channel); err != nil {
		t.log.Warn().Err(err).Str("channel", channel).Msg("subscribe failed")
	}
}

// Unsubscribe removes channel from the subscription set and, when connected,
// sends the unsubscribe control message.
func (t *Transport) Unsubscribe(channel string) {
	t.mu.Lock()
	delete(t.subs, channel)
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return
	}
	if err := t.sendControl(conn, protocol.UnsubscribeMessage, channel); err != nil {
		t.log.Warn().Err(err).Str("channel", channel).Msg("unsubscribe failed")
	}
}

// SendMessage sends {type, data, timestamp}. It fails with ErrNotConnected
// when the socket is not open.
func (t *Transport) SendMessage(msgType string, data interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.NewEvent(msgType, data)
	if err != nil {
		return err
	}
	return t.write(conn, frame)
}

// IsConnected reports whether the socket is open.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscriptions returns the subscription set, sorted.
func (t *Transport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscriptionsLocked()
}

// IsSubscribed reports whether channel is in the subscription set.
func (t *Transport) IsSubscribed(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[channel]
	return ok
}

// ReconnectAttempts returns the number of reconnects scheduled since the
// last successful open.
func (t *Transport) ReconnectAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *Transport) subscriptionsLocked() []string {
	out := make([]string, 0, len(t.subs))
	for ch := range t.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (t *Transport) sendControl(conn net.Conn, build func(string) ([]byte, error), channel string) error {
	frame, err := build(channel)
	if err != nil {
		return err
	}
	return t.write(conn, frame)
}

func (t *Transport) write(conn net.Conn, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := wsutil.WriteClientText(conn, frame); err != nil {
		return errors.Wrap(err, "realtime: write")
	}
	return nil
}

// readLoop reads frames until the connection fails. Control frames are
// answered under the write lock so pongs never interleave with data frames.
func (t *Transport) readLoop(conn net.Conn, gen uint64) {
	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:    conn,
		State:     ws.StateClientSide,
		CheckUTF8: true,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			t.handleClose(conn, gen, err)
			return
		}

		if hdr.OpCode.IsControl() {
			t.writeMu.Lock()
			err := controlHandler(hdr, rd)
			t.writeMu.Unlock()
			if err != nil {
				t.handleClose(conn, gen, err)
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				t.handleClose(conn, gen, err)
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			t.handleClose(conn, gen, err)
			return
		}

		ev, err := protocol.ParseEvent(data)
		if err != nil {
			t.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed message")
			continue
		}
		t.emit(EventMessage, ev)
		t.emit(ev.Type, ev)
	}
}

// handleClose tears down conn. A close the client did not initiate schedules
// a reconnect.
func (t *Transport) handleClose(conn net.Conn, gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.conn != conn {
		// Disconnect already detached this connection.
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	conn.Close()

	var closed wsutil.ClosedError
	if errors.As(cause, &closed) {
		t.log.Info().Int("code", int(closed.Code)).Str("reason", closed.Reason).Msg("connection closed by server")
	} else {
		t.log.Warn().Err(cause).Msg("connection lost")
	}

	t.emitLifecycle(EventDisconnected)
	t.scheduleReconnect()
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
