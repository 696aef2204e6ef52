// Package streamchat implements the streaming chat relay: the server
// Handler that writes a token-streamed reply as newline-delimited
// "data: {json}" records, and the Client that decodes that stream into
// caller callbacks and falls back to a local simulator when the server is
// unreachable.
package streamchat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Stream record types.
const (
	EventStart    = "start"
	EventChunk    = "chunk"
	EventComplete = "complete"
	EventError    = "error"
)

const dataPrefix = "data: "

// StreamEvent is one record of the stream.
type StreamEvent struct {
	Type     string  `json:"type"`
	Content  string  `json:"content,omitempty"`
	FullText *string `json:"fullText,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
	Degraded bool    `json:"degraded,omitempty"`
}

// ChatMessage is one turn of a conversation as shown to the user.
type ChatMessage struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"isStreaming,omitempty"`
}

// ContextMessage is a prior turn sent along with a request.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserProfile personalises replies.
type UserProfile struct {
	FirstName   string `json:"firstName,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
	PlanTier    string `json:"planTier,omitempty"`
}

// ChatContext is the conversation context of a request.
type ChatContext struct {
	Messages    []ContextMessage `json:"messages,omitempty"`
	UserProfile *UserProfile     `json:"userProfile,omitempty"`
}

// Request is the body of the stream and chat endpoints.
type Request struct {
	Message     string      `json:"message"`
	UserID      string      `json:"userId,omitempty"`
	Context     ChatContext `json:"context"`
	UserProfile UserProfile `json:"userProfile"`
}

// NewRequest builds a Request, lifting the profile out of chatCtx the way
// the browser client does.
func NewRequest(message string, chatCtx ChatContext) Request {
	req := Request{Message: message, Context: chatCtx}
	if chatCtx.UserProfile != nil {
		req.UserProfile = *chatCtx.UserProfile
	}
	return req
}

// EncodeEvent renders ev as a stream record followed by a blank line.
func EncodeEvent(ev StreamEvent) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "streamchat: encode event")
	}
	out := make([]byte, 0, len(dataPrefix)+len(raw)+2)
	out = append(out, dataPrefix...)
	out = append(out, raw...)
	out = append(out, '\n', '\n')
	return out, nil
}

// Decoder reads stream records. Transport chunk boundaries need not align
// with lines, so partial lines are buffered and only complete lines are
// decoded; a final line without a newline is decoded at EOF.
type Decoder struct {
	r   *bufio.Reader
	log zerolog.Logger
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, logger zerolog.Logger) *Decoder {
	return &Decoder{r: bufio.NewReader(r), log: logger}
}

// Next returns the next well-formed record. Lines without the data prefix
// are ignored and malformed records are logged and skipped. It returns
// io.EOF at the end of the stream.
func (d *Decoder) Next() (StreamEvent, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return StreamEvent{}, errors.Wrap(err, "streamchat: read stream")
		}
		if len(line) > 0 {
			if ev, ok := d.decodeLine(line); ok {
				return ev, nil
			}
		}
		if err == io.EOF {
			return StreamEvent{}, io.EOF
		}
	}
}

func (d *Decoder) decodeLine(line []byte) (StreamEvent, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return StreamEvent{}, false
	}

	var ev StreamEvent
	if err := json.Unmarshal(line[len(dataPrefix):], &ev); err != nil {
		d.log.Warn().Err(err).Str("line", truncate(string(line), 200)).Msg("skipping malformed stream record")
		return StreamEvent{}, false
	}
	if ev.Type == "" {
		d.log.Warn().Str("line", truncate(string(line), 200)).Msg("skipping stream record without type")
		return StreamEvent{}, false
	}
	return ev, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
