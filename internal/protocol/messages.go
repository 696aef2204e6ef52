// Package protocol defines the JSON envelope exchanged over the real-time
// WebSocket connection. Every frame is an object with a "type"
// discriminator, an optional opaque "data" payload and an ISO-8601
// "timestamp". Channel subscriptions are expressed as control messages named
// subscribe_<channel> and unsubscribe_<channel>.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Control message prefixes sent by clients.
const (
	SubscribePrefix   = "subscribe_"
	UnsubscribePrefix = "unsubscribe_"
)

// Bidirectional keepalive types.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Server -> Client message types.
const (
	TypeConnection       = "connection"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeError            = "error"
	TypeAnalyticsUpdate  = "analytics_update"
	TypeSecurityUpdate   = "security_update"
	TypeOnboardingUpdate = "onboarding_update"

	// Onboarding channel events.
	TypeOnboardingStarted   = "onboarding_started"
	TypeDocumentProgress    = "document_progress"
	TypeDocumentCompleted   = "document_completed"
	TypeVideoSessionCreated = "video_session_created"
	TypeSMSVerified         = "sms_verified"
)

// Well-known channel names.
const (
	ChannelAnalytics  = "analytics"
	ChannelSecurity   = "security"
	ChannelOnboarding = "onboarding"
)

// Control actions returned by ParseControl.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return errors.Wrap(err, "protocol: failed to unmarshal envelope")
	}
	if partial.Type == "" {
		return errors.New(`protocol: missing or empty "type" field`)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Event
// ---------------------------------------------------------------------------

// Event is the generic real-time envelope. Data is never interpreted by the
// transport; consumers select a handler by Type.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Time parses Timestamp. The zero time is returned when it is absent or not
// RFC 3339.
func (e Event) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewEvent encodes an event of the given type with data marshalled to JSON
// and the current UTC time. A nil data produces an event without payload.
func NewEvent(msgType string, data interface{}) ([]byte, error) {
	return newEventAt(msgType, data, time.Now())
}

func newEventAt(msgType string, data interface{}, at time.Time) ([]byte, error) {
	if msgType == "" {
		return nil, errors.New("protocol: event type is required")
	}

	ev := Event{
		Type:      msgType,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}

	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		ev.Data = d
	case []byte:
		if !json.Valid(d) {
			return nil, errors.Errorf("protocol: %q payload is not valid JSON", msgType)
		}
		ev.Data = d
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, errors.Wrapf(err, "protocol: failed to marshal %q payload", msgType)
		}
		ev.Data = raw
	}

	out, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: failed to marshal event")
	}
	return out, nil
}

// ParseEvent decodes raw WebSocket bytes into an Event. A payload without a
// type is rejected.
func ParseEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, errors.Wrap(err, "protocol: failed to parse event")
	}

	var ev Event
	if err := json.Unmarshal(env.Raw, &ev); err != nil {
		return Event{}, errors.Wrapf(err, "protocol: failed to decode %q event", env.Type)
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Control messages
// ---------------------------------------------------------------------------

// SubscribeMessage returns the control message subscribing to channel.
func SubscribeMessage(channel string) ([]byte, error) {
	return NewEvent(SubscribePrefix+channel, nil)
}

// UnsubscribeMessage returns the control message unsubscribing from channel.
func UnsubscribeMessage(channel string) ([]byte, error) {
	return NewEvent(UnsubscribePrefix+channel, nil)
}

// ParseControl splits a control type such as "subscribe_analytics" into its
// action and channel. ok is false for any other type or an empty channel.
func ParseControl(msgType string) (action, channel string, ok bool) {
	switch {
	case strings.HasPrefix(msgType, UnsubscribePrefix):
		action, channel = ActionUnsubscribe, strings.TrimPrefix(msgType, UnsubscribePrefix)
	case strings.HasPrefix(msgType, SubscribePrefix):
		action, channel = ActionSubscribe, strings.TrimPrefix(msgType, SubscribePrefix)
	default:
		return "", "", false
	}
	if channel == "" {
		return "", "", false
	}
	return action, channel, true
}

// ---------------------------------------------------------------------------
// Server payloads
// ---------------------------------------------------------------------------

// ConnectionData is the payload of the greeting sent on connect.
type ConnectionData struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// SubscriptionData acknowledges a control message.
type SubscriptionData struct {
	Channel string `json:"channel"`
}

// ErrorData is sent by the server to communicate an error condition.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
