package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/onboardiq/platform/internal/audit"
	"github.com/onboardiq/platform/internal/outcome"
	"github.com/onboardiq/platform/internal/protocol"
	"github.com/onboardiq/platform/internal/provider"
	"github.com/onboardiq/platform/internal/provider/vonage"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// decodeBody decodes a JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// outcomeBody is the wire form of every vendor proxy response.
type outcomeBody struct {
	Success  bool        `json:"success"`
	Status   string      `json:"status"`
	Degraded bool        `json:"degraded"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// failureStatus maps a failed outcome to an HTTP status.
func failureStatus(err error) int {
	var apiErr *vonage.APIError
	switch {
	case provider.IsInvalid(err):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// renderOutcome writes res and records it in the audit log.
func renderOutcome[T any](a *api, w http.ResponseWriter, r *http.Request, vendor, operation string, start time.Time, res outcome.Result[T]) {
	a.recordCall(r, vendor, operation, start, res.Status, res.Err)

	body := outcomeBody{
		Status:   string(res.Status),
		Degraded: res.IsDegraded(),
		Error:    res.ErrorMessage(),
	}
	if res.IsFailed() {
		writeJSON(w, failureStatus(res.Err), body)
		return
	}
	body.Success = true
	body.Data = res.Value
	writeJSON(w, http.StatusOK, body)
}

// recordCall persists a vendor call. Audit failures never fail the request.
func (a *api) recordCall(r *http.Request, vendor, operation string, start time.Time, status outcome.Status, cause error) {
	if a.Audit == nil {
		return
	}
	rec := audit.Record{
		Vendor:    vendor,
		Operation: operation,
		Status:    status,
		Duration:  time.Since(start),
		RequestID: RequestIDFrom(r.Context()),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := a.Audit.Record(ctx, rec); err != nil {
		a.log.Warn().Err(err).Str("vendor", vendor).Str("operation", operation).Msg("audit record failed")
	}
}

// publish sends an event to hub subscribers of channel. It returns the
// encoded frame so callers can also cache it.
func (a *api) publish(channel, msgType string, data interface{}) []byte {
	frame, err := protocol.NewEvent(msgType, data)
	if err != nil {
		a.log.Error().Err(err).Str("type", msgType).Msg("encode event")
		return nil
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishRealtime(channel, frame); err != nil {
			a.log.Warn().Err(err).Str("channel", channel).Str("type", msgType).Msg("publish failed")
		}
	}
	return frame
}
