package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/onboardiq/platform/internal/analytics"
	"github.com/onboardiq/platform/internal/protocol"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 100
)

// onboardingTypes are the event types clients may post to the onboarding
// channel.
var onboardingTypes = map[string]bool{
	protocol.TypeOnboardingStarted:   true,
	protocol.TypeDocumentProgress:    true,
	protocol.TypeDocumentCompleted:   true,
	protocol.TypeVideoSessionCreated: true,
	protocol.TypeSMSVerified:         true,
}

// snapshot publishes data on channel, caches the frame for new hub
// subscribers and writes the polling response.
func (a *api) snapshot(w http.ResponseWriter, r *http.Request, channel, msgType string, data interface{}) {
	frame := a.publish(channel, msgType, data)
	if frame != nil && a.Feeds != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := a.Feeds.SaveSnapshot(ctx, channel, frame); err != nil {
			a.log.Warn().Err(err).Str("channel", channel).Msg("save snapshot")
		}
		cancel()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"data":     data,
		"realTime": true,
	})
}

func (a *api) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a.snapshot(w, r, protocol.ChannelAnalytics, protocol.TypeAnalyticsUpdate, a.Analytics.Analytics())
}

func (a *api) handleSecurity(w http.ResponseWriter, r *http.Request) {
	who := analytics.Requester{IP: a.clientIP(r), UserAgent: r.UserAgent()}
	a.snapshot(w, r, protocol.ChannelSecurity, protocol.TypeSecurityUpdate, a.Analytics.Security(who))
}

func (a *api) handleListOnboardingEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultEventLimit)

	events := []json.RawMessage{}
	if a.Feeds != nil {
		got, err := a.Feeds.RecentEvents(r.Context(), protocol.ChannelOnboarding, limit)
		if err != nil {
			a.log.Error().Err(err).Msg("read onboarding events")
			writeError(w, http.StatusServiceUnavailable, "onboarding events unavailable")
			return
		}
		if got != nil {
			events = got
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"events":    events,
			"count":     len(events),
			"timestamp": a.stamp(),
		},
	})
}

type onboardingEventBody struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (a *api) handlePostOnboardingEvent(w http.ResponseWriter, r *http.Request) {
	var body onboardingEventBody
	if !decodeBody(w, r, &body) {
		return
	}
	if !onboardingTypes[body.Type] {
		writeError(w, http.StatusBadRequest, "unsupported event type "+strconv.Quote(body.Type))
		return
	}

	var data interface{}
	if len(body.Data) > 0 {
		data = body.Data
	}
	a.onboardingEvent(r.Context(), body.Type, data)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":   true,
		"type":      body.Type,
		"timestamp": a.stamp(),
	})
}

type startOnboardingBody struct {
	UserData    analytics.UserData     `json:"userData"`
	Preferences map[string]interface{} `json:"preferences"`
}

func (a *api) handleStartOnboarding(w http.ResponseWriter, r *http.Request) {
	var body startOnboardingBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserData.ID == "" {
		writeError(w, http.StatusBadRequest, "userData.id is required")
		return
	}

	session := a.Analytics.StartSession(body.UserData, body.Preferences)
	a.onboardingEvent(r.Context(), protocol.TypeOnboardingStarted, session)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    session,
	})
}

func (a *api) handleVendorCalls(w http.ResponseWriter, r *http.Request) {
	if a.Audit == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	entries, err := a.Audit.Recent(r.Context(), queryLimit(r, defaultEventLimit))
	if err != nil {
		a.log.Error().Err(err).Msg("read audit log")
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    entries,
		"count":   len(entries),
	})
}

// queryLimit reads ?limit=, clamped to [1, maxEventLimit].
func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxEventLimit {
		return maxEventLimit
	}
	return n
}
