package streamchat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/config"
	"github.com/onboardiq/platform/internal/metrics"
	"github.com/onboardiq/platform/internal/outcome"
	"github.com/onboardiq/platform/internal/provider"
)

// FallbackResponse is served when no language model is available.
const FallbackResponse = "I'm here to help you with OnboardIQ! How can I assist you today?"

// ErrNoModel is the degraded cause when no API key is configured.
var ErrNoModel = errors.New("streamchat: no language model configured")

const systemPrompt = "You are an AI assistant for OnboardIQ, a comprehensive customer onboarding platform. Provide helpful, professional, and accurate responses."

// Responder produces the reply to a chat request.
type Responder interface {
	Respond(ctx context.Context, req Request) outcome.Result[string]
}

// NewResponder builds the responder chain for cfg: OpenAI behind a Redis
// reply cache, falling back to the canned reply on failure. Without an API
// key only the canned reply is served. rdb may be nil.
func NewResponder(cfg config.OpenAIConfig, rdb *redis.Client, logger zerolog.Logger) Responder {
	if cfg.APIKey == "" {
		return CannedResponder{}
	}
	var r Responder = NewOpenAIResponder(cfg, logger)
	if rdb != nil {
		r = NewCachedResponder(r, rdb, cfg.CacheTTL, logger)
	}
	return &FallbackResponder{Primary: r, log: logger}
}

// CannedResponder always returns FallbackResponse, marked degraded.
type CannedResponder struct{}

// Respond implements Responder.
func (CannedResponder) Respond(context.Context, Request) outcome.Result[string] {
	return outcome.Degraded(FallbackResponse, ErrNoModel)
}

// FallbackResponder replaces a failed Primary reply with the canned one.
type FallbackResponder struct {
	Primary Responder
	log     zerolog.Logger
}

// Respond implements Responder.
func (f *FallbackResponder) Respond(ctx context.Context, req Request) outcome.Result[string] {
	res := f.Primary.Respond(ctx, req)
	if !res.IsFailed() || ctx.Err() != nil {
		return res
	}
	f.log.Warn().Err(res.Err).Msg("responder failed, serving fallback reply")
	return outcome.Degraded(FallbackResponse, res.Err)
}

// OpenAIResponder asks the chat completions API.
type OpenAIResponder struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
	log         zerolog.Logger
}

// NewOpenAIResponder creates an OpenAIResponder from cfg.
func NewOpenAIResponder(cfg config.OpenAIConfig, logger zerolog.Logger) *OpenAIResponder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &OpenAIResponder{
		client:      openai.NewClient(opts...),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		log:         logger.With().Str("component", "openai").Logger(),
	}
}

// Respond implements Responder.
func (o *OpenAIResponder) Respond(ctx context.Context, req Request) outcome.Result[string] {
	return provider.Observe(ctx, "openai", "chat-completion", func(ctx context.Context) outcome.Result[string] {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(o.model),
			Messages: buildMessages(req),
			TopP:     openai.Float(1),
		}
		if o.temperature > 0 {
			params.Temperature = openai.Float(o.temperature)
		}
		if o.maxTokens > 0 {
			params.MaxTokens = openai.Int(int64(o.maxTokens))
		}

		resp, err := o.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return outcome.Failed[string](errors.Wrap(err, "openai: chat completion"))
		}
		if len(resp.Choices) == 0 {
			return outcome.Failed[string](errors.New("openai: response without choices"))
		}

		text := strings.TrimSpace(resp.Choices[0].Message.Content)
		if text == "" {
			return outcome.Failed[string](errors.New("openai: empty reply"))
		}
		return outcome.OK(text)
	})
}

func buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	for _, m := range req.Context.Messages {
		switch m.Role {
		case "user":
			msgs = append(msgs, openai.UserMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		}
	}
	return append(msgs, openai.UserMessage(userPrompt(req)))
}

func userPrompt(req Request) string {
	p := req.UserProfile
	name, company, plan := p.FirstName, p.CompanyName, p.PlanTier
	if name == "" {
		name = "User"
	}
	if company == "" {
		company = "Unknown"
	}
	if plan == "" {
		plan = "free"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User Profile:\n- Name: %s\n- Company: %s\n- Plan: %s\n\n", name, company, plan)
	fmt.Fprintf(&b, "User Message: %q\n\n", req.Message)
	b.WriteString("Provide a helpful, professional response that addresses the user's question, ")
	b.WriteString("suggests relevant OnboardIQ features and includes specific next steps when appropriate. ")
	b.WriteString("Keep the response concise. If the user needs complex technical support, suggest escalating to a human agent.")
	return b.String()
}

// CachedResponder caches OK replies of next in Redis.
type CachedResponder struct {
	next Responder
	rdb  *redis.Client
	ttl  time.Duration
	log  zerolog.Logger
}

const replyKeyPrefix = "chat:reply:"

// NewCachedResponder wraps next with a reply cache of the given TTL.
func NewCachedResponder(next Responder, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedResponder {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedResponder{next: next, rdb: rdb, ttl: ttl, log: logger}
}

// Respond implements Responder. Cache errors are logged and bypassed.
func (c *CachedResponder) Respond(ctx context.Context, req Request) outcome.Result[string] {
	key := replyKeyPrefix + conversationKey(req)

	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		metrics.ChatCacheTotal.WithLabelValues("hit").Inc()
		return outcome.OK(cached)
	case err != redis.Nil:
		c.log.Warn().Err(err).Msg("reply cache read failed")
	}
	metrics.ChatCacheTotal.WithLabelValues("miss").Inc()

	res := c.next.Respond(ctx, req)
	if res.IsOK() {
		if err := c.rdb.Set(ctx, key, res.Value, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Msg("reply cache write failed")
		}
	}
	return res
}

// conversationKey hashes everything that influences the reply.
func conversationKey(req Request) string {
	raw, _ := json.Marshal(struct {
		Message  string           `json:"m"`
		Messages []ContextMessage `json:"c"`
		Profile  UserProfile      `json:"p"`
	}{req.Message, req.Context.Messages, req.UserProfile})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
