package streamchat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/provider"
)

// Callbacks receive a streamed reply. Any of them may be nil.
type Callbacks struct {
	OnChunk    func(content, fullText string, progress float64)
	OnComplete func(fullText string)
	OnError    func(message string)
}

func (cb Callbacks) chunk(content, fullText string, progress float64) {
	if cb.OnChunk != nil {
		cb.OnChunk(content, fullText, progress)
	}
}

func (cb Callbacks) complete(fullText string) {
	if cb.OnComplete != nil {
		cb.OnComplete(fullText)
	}
}

func (cb Callbacks) fail(message string) {
	if cb.OnError != nil {
		cb.OnError(message)
	}
}

// Client talks to the streaming chat endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
	sim     *Simulator
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: a stream lasts as long as the reply.
		http: &http.Client{},
		log:  logger.With().Str("component", "streamchat").Logger(),
		sim:  NewSimulator(),
	}
}

// Stream posts message and feeds the streamed reply to cb, returning the
// final text. A network failure is reported once through OnError and the
// reply is then produced by the local simulator. Cancelling ctx returns
// ctx.Err() without falling back.
func (c *Client) Stream(ctx context.Context, message string, chatCtx ChatContext, cb Callbacks) (string, error) {
	text, err := c.stream(ctx, message, chatCtx, cb)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return text, ctx.Err()
	}

	c.log.Warn().Err(err).Msg("streaming failed, falling back to simulation")
	cb.fail(err.Error())
	return c.sim.Run(ctx, cb)
}

func (c *Client) stream(ctx context.Context, message string, chatCtx ChatContext, cb Callbacks) (string, error) {
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, c.baseURL+"/api/streaming-chat/stream", NewRequest(message, chatCtx))
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "streamchat: request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Debug().Int("status", resp.StatusCode).Str("body", string(body)).Msg("stream rejected")
		return "", errors.Errorf("streamchat: unexpected status %d", resp.StatusCode)
	}

	var fullText string
	dec := NewDecoder(resp.Body, c.log)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return fullText, nil
		}
		if err != nil {
			return fullText, err
		}

		switch ev.Type {
		case EventStart:
			c.log.Debug().Msg("stream started")
		case EventChunk:
			if ev.Content != "" && ev.FullText != nil {
				fullText = *ev.FullText
				cb.chunk(ev.Content, fullText, ev.Progress)
			}
		case EventComplete:
			cb.complete(fullText)
		case EventError:
			msg := ev.Message
			if msg == "" {
				msg = "Unknown error"
			}
			cb.fail(msg)
		default:
			c.log.Debug().Str("type", ev.Type).Msg("ignoring unknown stream record")
		}
	}
}

// Send performs a single non-streaming round trip and returns the reply.
func (c *Client) Send(ctx context.Context, message string, chatCtx ChatContext) (string, error) {
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, c.baseURL+"/api/streaming-chat/chat", NewRequest(message, chatCtx))
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "streamchat: request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Errorf("streamchat: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Success  bool   `json:"success"`
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "streamchat: decode response")
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "Failed to get response"
		}
		return "", errors.New(out.Error)
	}
	return out.Response, nil
}

// CheckHealth reports whether the server says streaming is available.
func (c *Client) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/streaming-chat/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Msg("health check failed")
		return false
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
		Health  struct {
			Streaming bool `json:"streaming"`
		} `json:"health"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false
	}
	return out.Success && out.Health.Streaming
}
