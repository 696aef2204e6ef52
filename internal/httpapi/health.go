package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/onboardiq/platform/internal/provider/foxit"
)

const (
	modeOperational = "operational"
	modeMock        = "mock"
	modeDown        = "unavailable"
)

func mode(configured bool) string {
	if configured {
		return modeOperational
	}
	return modeMock
}

func (a *api) stamp() string {
	return a.now().UTC().Format(time.RFC3339)
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"vonage": mode(a.Vonage != nil && a.Vonage.Configured()),
		"foxit":  mode(a.Foxit != nil && a.Foxit.Configured()),
		"openai": mode(a.Config.OpenAI.APIKey != ""),
	}

	status := "healthy"
	names := make([]string, 0, len(a.Probes))
	for name := range a.Probes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := a.Probes[name](ctx)
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Str("service", name).Msg("health probe failed")
			services[name] = modeDown
			status = "degraded"
			continue
		}
		services[name] = modeOperational
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"timestamp":   a.stamp(),
		"version":     a.Config.Server.Version,
		"environment": a.Config.Server.Environment,
		"uptime":      int(a.now().Sub(a.started).Seconds()),
		"services":    services,
	})
}

func (a *api) handleAgentsHealth(w http.ResponseWriter, r *http.Request) {
	llm := mode(a.Config.OpenAI.APIKey != "")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "healthy",
		"agents": map[string]string{
			"conversational": llm,
			"document":       mode(a.Foxit != nil && a.Foxit.Configured()),
			"verification":   mode(a.Vonage != nil && a.Vonage.Configured()),
		},
		"timestamp": a.stamp(),
	})
}

func (a *api) handleVonageHealth(w http.ResponseWriter, r *http.Request) {
	configured := a.Vonage != nil && a.Vonage.Configured()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"status":        mode(configured),
		"configured":    configured,
		"mockOnFailure": a.Vonage != nil && a.Vonage.MockEnabled(),
		"services": map[string]string{
			"verify":  mode(configured),
			"sms":     mode(configured),
			"balance": mode(configured),
		},
		"timestamp": a.stamp(),
	})
}

func (a *api) handleFoxitHealth(w http.ResponseWriter, r *http.Request) {
	configured := a.Foxit != nil && a.Foxit.Configured()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"status":        mode(configured),
		"configured":    configured,
		"mockOnFailure": a.Foxit != nil && a.Foxit.MockEnabled(),
		"features":      foxit.Features,
		"timestamp":     a.stamp(),
	})
}
