package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/onboardiq/platform/internal/outcome"
	"github.com/onboardiq/platform/internal/protocol"
	"github.com/onboardiq/platform/internal/provider/foxit"
	"github.com/onboardiq/platform/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Vonage
// ---------------------------------------------------------------------------

type startVerificationBody struct {
	PhoneNumber string `json:"phoneNumber"`
	Brand       string `json:"brand"`
}

func (a *api) handleStartVerification(w http.ResponseWriter, r *http.Request) {
	var body startVerificationBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}
	if body.Brand == "" {
		body.Brand = a.Config.Vonage.Brand
	}
	if a.lockedOut(w, r) {
		return
	}
	if !a.allow(w, r, body.PhoneNumber, ratelimit.RuleVerify, "Too many verification requests for this number, please try again later.") {
		return
	}

	start := time.Now()
	res := a.Vonage.StartVerification(r.Context(), body.PhoneNumber, body.Brand)
	renderOutcome(a, w, r, "vonage", "start-verification", start, res)
}

type checkVerificationBody struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	UserID    string `json:"userId,omitempty"`
}

func (a *api) handleCheckVerification(w http.ResponseWriter, r *http.Request) {
	var body checkVerificationBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RequestID == "" || body.Code == "" {
		writeError(w, http.StatusBadRequest, "requestId and code are required")
		return
	}
	if a.lockedOut(w, r) {
		return
	}

	start := time.Now()
	res := a.Vonage.CheckVerification(r.Context(), body.RequestID, body.Code)
	if !res.IsFailed() {
		a.trackAttempt(r, res.Value.Verified)
	}
	if !res.IsFailed() && res.Value.Verified {
		a.onboardingEvent(r.Context(), protocol.TypeSMSVerified, map[string]interface{}{
			"requestId": body.RequestID,
			"userId":    body.UserID,
			"degraded":  res.IsDegraded(),
		})
	}
	renderOutcome(a, w, r, "vonage", "check-verification", start, res)
}

// lockedOut answers 429 when the client is locked out of verification.
// Lockout errors fail open.
func (a *api) lockedOut(w http.ResponseWriter, r *http.Request) bool {
	if a.Lockout == nil {
		return false
	}
	locked, remaining, err := a.Lockout.Locked(r.Context(), a.clientIP(r))
	if err != nil {
		a.log.Warn().Err(err).Msg("verification lockout unavailable")
		return false
	}
	if !locked {
		return false
	}
	secs := int(remaining.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many failed verification attempts")
	return true
}

func (a *api) trackAttempt(r *http.Request, verified bool) {
	if a.Lockout == nil {
		return
	}
	ip := a.clientIP(r)
	if verified {
		if err := a.Lockout.Clear(r.Context(), ip); err != nil {
			a.log.Warn().Err(err).Msg("clear verification lockout")
		}
		return
	}
	d, err := a.Lockout.RecordFailure(r.Context(), ip)
	if err != nil {
		a.log.Warn().Err(err).Msg("record verification failure")
		return
	}
	if d > 0 {
		a.log.Info().Str("ip", ip).Dur("duration", d).Msg("verification locked")
	}
}

type sendSMSBody struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (a *api) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	var body sendSMSBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.To == "" || body.Text == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	start := time.Now()
	res := a.Vonage.SendSMS(r.Context(), body.To, body.Text)
	renderOutcome(a, w, r, "vonage", "send-sms", start, res)
}

func (a *api) handleBalance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res := a.Vonage.Balance(r.Context())
	renderOutcome(a, w, r, "vonage", "account-balance", start, res)
}

// ---------------------------------------------------------------------------
// Foxit
// ---------------------------------------------------------------------------

type generateDocumentBody struct {
	foxit.GenerateRequest
	UserID string `json:"userId,omitempty"`
}

func (a *api) handleGenerateDocument(w http.ResponseWriter, r *http.Request) {
	var body generateDocumentBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "templateId is required")
		return
	}
	if _, ok := a.Foxit.Template(body.TemplateID); !ok {
		writeError(w, http.StatusBadRequest, "unknown template "+strconv.Quote(body.TemplateID))
		return
	}

	start := time.Now()
	res := a.Foxit.GenerateDocument(r.Context(), body.GenerateRequest)
	if !res.IsFailed() {
		a.onboardingEvent(r.Context(), protocol.TypeDocumentCompleted, map[string]interface{}{
			"documentId":  res.Value.DocumentID,
			"documentUrl": res.Value.DocumentURL,
			"templateId":  body.TemplateID,
			"userId":      body.UserID,
			"degraded":    res.IsDegraded(),
		})
	}
	renderOutcome(a, w, r, "foxit", "generate-document", start, res)
}

func (a *api) handleProcessWorkflow(w http.ResponseWriter, r *http.Request) {
	var body foxit.WorkflowRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "documentIds is required")
		return
	}

	start := time.Now()
	res := a.Foxit.ProcessWorkflow(r.Context(), body)
	renderOutcome(a, w, r, "foxit", "process-workflow", start, res)
}

func (a *api) handleTemplates(w http.ResponseWriter, r *http.Request) {
	status := outcome.StatusOK
	if !a.Foxit.Configured() {
		status = outcome.StatusDegraded
	}
	writeJSON(w, http.StatusOK, outcomeBody{
		Success:  true,
		Status:   string(status),
		Degraded: status == outcome.StatusDegraded,
		Data:     a.Foxit.Templates(),
	})
}

// DegradedHeader marks a binary response built from placeholder data.
const DegradedHeader = "X-Degraded"

func (a *api) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	start := time.Now()
	res := a.Foxit.Download(r.Context(), id)
	a.recordCall(r, "foxit", "download", start, res.Status, res.Err)
	if res.IsFailed() {
		writeError(w, failureStatus(res.Err), res.ErrorMessage())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Value)))
	if res.IsDegraded() {
		w.Header().Set(DegradedHeader, "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Value)
}

// onboardingEvent publishes msgType on the onboarding channel and appends
// it to the cached event log.
func (a *api) onboardingEvent(ctx context.Context, msgType string, data interface{}) {
	frame := a.publish(protocol.ChannelOnboarding, msgType, data)
	if frame == nil || a.Feeds == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.Feeds.AppendEvent(ctx, protocol.ChannelOnboarding, frame); err != nil {
		a.log.Warn().Err(err).Str("type", msgType).Msg("append onboarding event")
	}
}

