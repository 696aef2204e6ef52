// Package provider holds what the vendor API wrappers share: typed HTTP
// status errors, the not-configured sentinel, a JSON round-trip helper and
// the tracing/metrics wrapper every vendor operation runs through.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onboardiq/platform/internal/metrics"
	"github.com/onboardiq/platform/internal/outcome"
)

// ErrNotConfigured is returned when vendor credentials are missing.
var ErrNotConfigured = errors.New("provider: credentials not configured")

// ErrInvalidRequest marks caller mistakes that must never be masked by a
// mock fallback.
var ErrInvalidRequest = errors.New("provider: invalid request")

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 512

// StatusError is returned for non-2xx vendor responses.
type StatusError struct {
	Vendor string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Vendor, e.Code, e.Body)
}

// Invalid wraps a validation message as ErrInvalidRequest.
func Invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}

// IsInvalid reports whether err is a request validation error.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// DoJSON sends req and decodes a 2xx JSON body into out (if non-nil).
// Non-2xx responses yield a *StatusError.
func DoJSON(client *http.Client, vendor string, req *http.Request, out interface{}) error {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s: %s %s", vendor, req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Vendor: vendor, Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decode response", vendor)
	}
	return nil
}

// NewJSONRequest builds a request with a JSON-encoded body.
func NewJSONRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Observe runs fn inside a span named "<vendor>.<operation>" and records
// the outcome status and latency.
func Observe[T any](ctx context.Context, vendor, operation string, fn func(context.Context) outcome.Result[T]) outcome.Result[T] {
	ctx, span := otel.Tracer("onboardiq/provider").Start(ctx, vendor+"."+operation)
	defer span.End()

	start := time.Now()
	res := fn(ctx)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("vendor", vendor),
		attribute.String("operation", operation),
		attribute.String("outcome", string(res.Status)),
	)
	switch {
	case res.IsFailed():
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.ErrorMessage())
	case res.IsDegraded():
		span.SetAttributes(attribute.String("degraded.cause", res.ErrorMessage()))
	}

	metrics.VendorCallsTotal.WithLabelValues(vendor, operation, string(res.Status)).Inc()
	metrics.VendorCallDuration.WithLabelValues(vendor, operation).Observe(elapsed.Seconds())
	return res
}
