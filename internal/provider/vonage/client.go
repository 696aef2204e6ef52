// Package vonage wraps the Vonage Verify, SMS and account APIs. Every
// operation returns an outcome.Result: genuine vendor data is OK, a local
// placeholder produced after an upstream failure is Degraded, and anything
// else is Failed.
package vonage

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/outcome"
	"github.com/onboardiq/platform/internal/provider"
)

const vendorName = "vonage"

// MockVerificationCode is the only code accepted by the mock verifier.
const MockVerificationCode = "123456"

// Vonage API status values.
const (
	statusSuccess      = "0"
	statusWrongCode    = "16"
	statusTooManyCodes = "17"
)

// Config holds credentials and endpoints.
type Config struct {
	APIKey        string
	APISecret     string
	Brand         string
	VerifyBaseURL string
	RestBaseURL   string
	Timeout       time.Duration

	// MockOnFailure turns transport, credential and HTTP failures into
	// degraded placeholder results instead of failed ones.
	MockOnFailure bool
}

// VerificationStarted is returned by StartVerification.
type VerificationStarted struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// VerificationCheck is returned by CheckVerification.
type VerificationCheck struct {
	Verified bool   `json:"verified"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// SMSResult describes a sent message.
type SMSResult struct {
	MessageID        string `json:"message_id"`
	RemainingBalance string `json:"remaining_balance"`
	MessagePrice     string `json:"message_price"`
	Status           string `json:"status"`
}

// Balance is the account balance.
type Balance struct {
	Balance    float64 `json:"balance"`
	Currency   string  `json:"currency"`
	AutoReload bool    `json:"auto_reload"`
}

// APIError is a non-zero Vonage status in an otherwise successful HTTP
// response, e.g. an invalid number. It is never masked by the mock.
type APIError struct {
	Status string
	Text   string
}

func (e *APIError) Error() string {
	return "vonage: status " + e.Status + ": " + e.Text
}

// Client calls the Vonage APIs.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
	now  func() time.Time
}

// New creates a Client. Empty endpoints fall back to the public Vonage hosts.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.VerifyBaseURL == "" {
		cfg.VerifyBaseURL = "https://api.nexmo.com"
	}
	if cfg.RestBaseURL == "" {
		cfg.RestBaseURL = "https://rest.nexmo.com"
	}
	if cfg.Brand == "" {
		cfg.Brand = "OnboardIQ"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.With().Str("component", "vonage").Logger(),
		now:  time.Now,
	}
}

// Configured reports whether API credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

// MockEnabled reports whether failures degrade to placeholder data.
func (c *Client) MockEnabled() bool {
	return c.cfg.MockOnFailure
}

// StartVerification sends a verification code to phone.
func (c *Client) StartVerification(ctx context.Context, phone, brand string) outcome.Result[VerificationStarted] {
	return provider.Observe(ctx, vendorName, "start-verification", func(ctx context.Context) outcome.Result[VerificationStarted] {
		number, err := normalizeNumber(phone)
		if err != nil {
			return outcome.Failed[VerificationStarted](err)
		}
		if brand == "" {
			brand = c.cfg.Brand
		}

		mock := func() VerificationStarted {
			return VerificationStarted{
				RequestID: "demo_" + c.millis(),
				Status:    "sent",
				Message:   "Verification code sent successfully",
			}
		}

		var resp struct {
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
			ErrorText string `json:"error_text"`
		}
		err = c.post(ctx, c.cfg.VerifyBaseURL+"/verify/json", map[string]string{
			"number": number,
			"brand":  brand,
		}, &resp)
		if err != nil {
			return degradeOr(ctx, c, err, mock)
		}
		if resp.Status != statusSuccess {
			return outcome.Failed[VerificationStarted](&APIError{Status: resp.Status, Text: resp.ErrorText})
		}

		return outcome.OK(VerificationStarted{
			RequestID: resp.RequestID,
			Status:    "sent",
			Message:   "Verification code sent successfully",
		})
	})
}

// CheckVerification checks code against requestID. A wrong code is a
// successful call answering verified=false.
func (c *Client) CheckVerification(ctx context.Context, requestID, code string) outcome.Result[VerificationCheck] {
	return provider.Observe(ctx, vendorName, "check-verification", func(ctx context.Context) outcome.Result[VerificationCheck] {
		if requestID == "" || code == "" {
			return outcome.Failed[VerificationCheck](provider.Invalid("request_id and code are required"))
		}

		mock := func() VerificationCheck {
			return checkResult(code == MockVerificationCode, "")
		}

		var resp struct {
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
			ErrorText string `json:"error_text"`
		}
		err := c.post(ctx, c.cfg.VerifyBaseURL+"/verify/check/json", map[string]string{
			"request_id": requestID,
			"code":       code,
		}, &resp)
		if err != nil {
			return degradeOr(ctx, c, err, mock)
		}

		switch resp.Status {
		case statusSuccess:
			return outcome.OK(checkResult(true, ""))
		case statusWrongCode, statusTooManyCodes:
			return outcome.OK(checkResult(false, resp.ErrorText))
		default:
			return outcome.Failed[VerificationCheck](&APIError{Status: resp.Status, Text: resp.ErrorText})
		}
	})
}

func checkResult(verified bool, text string) VerificationCheck {
	if verified {
		return VerificationCheck{Verified: true, Status: "verified", Message: "Verification successful"}
	}
	if text == "" {
		text = "Invalid code"
	}
	return VerificationCheck{Verified: false, Status: "failed", Message: text}
}

// SendSMS sends text to the number to.
func (c *Client) SendSMS(ctx context.Context, to, text string) outcome.Result[SMSResult] {
	return provider.Observe(ctx, vendorName, "send-sms", func(ctx context.Context) outcome.Result[SMSResult] {
		number, err := normalizeNumber(to)
		if err != nil {
			return outcome.Failed[SMSResult](err)
		}
		if strings.TrimSpace(text) == "" {
			return outcome.Failed[SMSResult](provider.Invalid("text is required"))
		}

		mock := func() SMSResult {
			return SMSResult{
				MessageID:        "sms_" + c.millis(),
				RemainingBalance: "15.50",
				MessagePrice:     "0.04",
				Status:           "sent",
			}
		}

		var resp struct {
			Messages []struct {
				Status           string `json:"status"`
				MessageID        string `json:"message-id"`
				RemainingBalance string `json:"remaining-balance"`
				MessagePrice     string `json:"message-price"`
				ErrorText        string `json:"error-text"`
			} `json:"messages"`
		}
		err = c.post(ctx, c.cfg.RestBaseURL+"/sms/json", map[string]string{
			"from": c.cfg.Brand,
			"to":   number,
			"text": text,
		}, &resp)
		if err != nil {
			return degradeOr(ctx, c, err, mock)
		}
		if len(resp.Messages) == 0 {
			return outcome.Failed[SMSResult](errors.New("vonage: empty sms response"))
		}

		m := resp.Messages[0]
		if m.Status != statusSuccess {
			return outcome.Failed[SMSResult](&APIError{Status: m.Status, Text: m.ErrorText})
		}
		return outcome.OK(SMSResult{
			MessageID:        m.MessageID,
			RemainingBalance: m.RemainingBalance,
			MessagePrice:     m.MessagePrice,
			Status:           "sent",
		})
	})
}

// Balance returns the account balance.
func (c *Client) Balance(ctx context.Context) outcome.Result[Balance] {
	return provider.Observe(ctx, vendorName, "account-balance", func(ctx context.Context) outcome.Result[Balance] {
		mock := func() Balance {
			return Balance{Balance: 25.75, Currency: "USD", AutoReload: false}
		}
		if !c.Configured() {
			return degradeOr(ctx, c, provider.ErrNotConfigured, mock)
		}

		q := url.Values{}
		q.Set("api_key", c.cfg.APIKey)
		q.Set("api_secret", c.cfg.APISecret)

		req, err := provider.NewJSONRequest(ctx, http.MethodGet, c.cfg.RestBaseURL+"/account/get-balance?"+q.Encode(), nil)
		if err != nil {
			return outcome.Failed[Balance](err)
		}

		var resp struct {
			Value      float64 `json:"value"`
			AutoReload bool    `json:"autoReload"`
		}
		if err := provider.DoJSON(c.http, vendorName, req, &resp); err != nil {
			return degradeOr(ctx, c, err, mock)
		}
		return outcome.OK(Balance{Balance: resp.Value, Currency: "EUR", AutoReload: resp.AutoReload})
	})
}

// post sends body plus credentials as JSON to endpoint.
func (c *Client) post(ctx context.Context, endpoint string, body map[string]string, out interface{}) error {
	if !c.Configured() {
		return provider.ErrNotConfigured
	}

	payload := make(map[string]string, len(body)+2)
	for k, v := range body {
		payload[k] = v
	}
	payload["api_key"] = c.cfg.APIKey
	payload["api_secret"] = c.cfg.APISecret

	req, err := provider.NewJSONRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	return provider.DoJSON(c.http, vendorName, req, out)
}

// degradeOr returns a degraded mock value when the mock fallback is enabled
// and the caller is still waiting; otherwise the failure.
func degradeOr[T any](ctx context.Context, c *Client, err error, mock func() T) outcome.Result[T] {
	if ctx.Err() != nil {
		return outcome.Failed[T](ctx.Err())
	}
	if c.cfg.MockOnFailure {
		c.log.Warn().Err(err).Msg("vendor call failed, returning mock data")
		return outcome.Degraded(mock(), err)
	}
	return outcome.Failed[T](err)
}

func (c *Client) millis() string {
	return strconv.FormatInt(c.now().UnixMilli(), 10)
}

// normalizeNumber strips formatting from an E.164 number and validates it.
func normalizeNumber(phone string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0, r == ' ', r == '-', r == '(', r == ')', r == '.':
		default:
			return "", provider.Invalid("phone number %q contains %q", phone, r)
		}
	}
	n := b.String()
	if len(n) < 7 || len(n) > 15 {
		return "", provider.Invalid("phone number %q must have 7 to 15 digits", phone)
	}
	return n, nil
}
