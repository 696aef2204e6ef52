package streamchat

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/metrics"
)

// Handler serves the streaming chat endpoints.
type Handler struct {
	responder  Responder
	configured bool
	log        zerolog.Logger

	// wordDelay paces streamed words.
	wordDelay func() time.Duration
	now       func() time.Time
}

// NewHandler creates a Handler. modelConfigured is reported by the health
// endpoint.
func NewHandler(r Responder, modelConfigured bool, logger zerolog.Logger) *Handler {
	return &Handler{
		responder:  r,
		configured: modelConfigured,
		log:        logger.With().Str("component", "streamchat").Logger(),
		wordDelay: func() time.Duration {
			return 50*time.Millisecond + rand.N(100*time.Millisecond)
		},
		now: time.Now,
	}
}

// Register mounts the endpoints under prefix, e.g. "/api/streaming-chat".
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+"/stream", h.handleStream)
	mux.HandleFunc("POST "+prefix+"/chat", h.handleChat)
	mux.HandleFunc("GET "+prefix+"/health", h.handleHealth)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid JSON body"})
		return req, false
	}
	if err := ValidateMessage(req.Message); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": err.Error()})
		return req, false
	}
	return req, true
}

// handleStream writes start, one chunk per word and complete. A responder
// failure becomes an error record.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev StreamEvent) bool {
		frame, err := EncodeEvent(ev)
		if err != nil {
			h.log.Error().Err(err).Msg("encode stream record")
			return false
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	ctx := r.Context()
	if !send(StreamEvent{Type: EventStart, Message: "Starting response..."}) {
		return
	}

	res := h.responder.Respond(ctx, req)
	if res.IsFailed() {
		if ctx.Err() != nil {
			metrics.ChatStreamsTotal.WithLabelValues("cancelled").Inc()
			return
		}
		h.log.Error().Err(res.Err).Msg("responder failed")
		metrics.ChatStreamsTotal.WithLabelValues("failed").Inc()
		send(StreamEvent{Type: EventError, Message: "Error: " + res.ErrorMessage()})
		return
	}

	words := strings.Split(res.Value, " ")
	var text strings.Builder
	for i, word := range words {
		if i > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(word)

		content := word
		if i < len(words)-1 {
			content += " "
		}
		full := text.String()
		if !send(StreamEvent{
			Type:     EventChunk,
			Content:  content,
			FullText: &full,
			Progress: float64(i+1) / float64(len(words)),
		}) {
			metrics.ChatStreamsTotal.WithLabelValues("cancelled").Inc()
			return
		}

		if err := sleepCtx(ctx, h.wordDelay()); err != nil {
			metrics.ChatStreamsTotal.WithLabelValues("cancelled").Inc()
			return
		}
	}

	full := text.String()
	send(StreamEvent{Type: EventComplete, Message: "Response complete", FullText: &full, Degraded: res.IsDegraded()})
	metrics.ChatStreamsTotal.WithLabelValues(string(res.Status)).Inc()
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	res := h.responder.Respond(r.Context(), req)
	if res.IsFailed() {
		if r.Context().Err() == context.Canceled {
			return
		}
		h.log.Error().Err(res.Err).Msg("responder failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success":  false,
			"error":    res.ErrorMessage(),
			"response": FallbackResponse,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"response":  res.Value,
		"degraded":  res.IsDegraded(),
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"health": map[string]interface{}{
			"streaming": true,
			"openai":    h.configured,
			"timestamp": h.now().UTC().Format(time.RFC3339),
		},
		"status": "operational",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
