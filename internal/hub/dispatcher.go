package hub

import (
	"sync"

	"github.com/onboardiq/platform/internal/protocol"
)

// MessageHandler handles a parsed client event.
type MessageHandler func(conn *Connection, ev protocol.Event)

// MessageDispatcher routes incoming frames. Keepalive pings and channel
// control messages are handled internally; every other type goes to the
// handler registered for it, or gets an "unsupported_type" error.
type MessageDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to server.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// Register associates a handler with a client event type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.mu.Lock()
	d.handlers[msgType] = handler
	d.mu.Unlock()
}

// Dispatch parses data and routes it.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	ev, err := protocol.ParseEvent(data)
	if err != nil {
		d.server.log.Debug().Err(err).Str("session", conn.ID).Msg("dispatch parse error")
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if ev.Type == protocol.TypePing {
		d.reply(conn, protocol.TypePong, nil)
		return
	}

	if action, channel, ok := protocol.ParseControl(ev.Type); ok {
		d.handleControl(conn, action, channel)
		return
	}

	d.mu.RLock()
	handler, ok := d.handlers[ev.Type]
	d.mu.RUnlock()
	if !ok {
		d.server.log.Debug().Str("type", ev.Type).Str("session", conn.ID).Msg("unsupported message type")
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, ev)
}

func (d *MessageDispatcher) handleControl(conn *Connection, action, channel string) {
	switch action {
	case protocol.ActionSubscribe:
		conn.Subscribe(channel)
		d.server.refreshSubscriptionGauge()
		d.reply(conn, protocol.TypeSubscribed, protocol.SubscriptionData{Channel: channel})
		d.server.log.Debug().Str("session", conn.ID).Str("channel", channel).Msg("subscribed")
		if d.server.onSubscribe != nil {
			d.server.onSubscribe(conn, channel)
		}
	case protocol.ActionUnsubscribe:
		conn.Unsubscribe(channel)
		d.server.refreshSubscriptionGauge()
		d.reply(conn, protocol.TypeUnsubscribed, protocol.SubscriptionData{Channel: channel})
		d.server.log.Debug().Str("session", conn.ID).Str("channel", channel).Msg("unsubscribed")
	}
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorData{Code: code, Message: message})
}

// reply builds and sends a server event. Failures are logged, not propagated.
func (d *MessageDispatcher) reply(conn *Connection, msgType string, data interface{}) {
	frame, err := protocol.NewEvent(msgType, data)
	if err != nil {
		d.server.log.Error().Err(err).Str("type", msgType).Msg("failed to build reply")
		return
	}
	if err := conn.writeWithDeadline(frame, d.server.config.WriteTimeout); err != nil {
		d.server.log.Debug().Err(err).Str("session", conn.ID).Str("type", msgType).Msg("failed to send reply")
	}
}
