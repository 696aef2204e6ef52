package analytics

import (
	"strconv"
	"time"
)

// User segments.
const (
	SegmentEnterprise = "enterprise"
	SegmentPremium    = "premium"
	SegmentFree       = "free"
)

// UserData describes the user starting onboarding.
type UserData struct {
	ID          string `json:"id"`
	CompanySize int    `json:"companySize"`
	Industry    string `json:"industry,omitempty"`
	PlanTier    string `json:"planTier,omitempty"`
}

// Step is one onboarding step; Duration is in minutes.
type Step struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Duration int    `json:"duration"`
}

// Session is a started onboarding session, broadcast as
// onboarding_started.
type Session struct {
	ID                string                 `json:"id"`
	UserID            string                 `json:"userId"`
	Segment           string                 `json:"segment"`
	Status            string                 `json:"status"`
	StartTime         string                 `json:"startTime"`
	EstimatedDuration int                    `json:"estimatedDuration"`
	Progress          int                    `json:"progress"`
	Steps             []Step                 `json:"steps"`
	Preferences       map[string]interface{} `json:"preferences,omitempty"`
	Timestamp         string                 `json:"timestamp"`
}

var baseSteps = []Step{
	{ID: "welcome", Title: "Welcome", Duration: 2},
	{ID: "verification", Title: "Phone Verification", Duration: 5},
	{ID: "profile", Title: "Profile Setup", Duration: 3},
}

// Segment classifies a user by company size and plan.
func Segment(u UserData) string {
	switch {
	case u.CompanySize > 1000 || u.PlanTier == SegmentEnterprise:
		return SegmentEnterprise
	case u.CompanySize > 100 || u.PlanTier == SegmentPremium:
		return SegmentPremium
	default:
		return SegmentFree
	}
}

// Flow returns the onboarding steps for segment.
func Flow(segment string) []Step {
	steps := append([]Step(nil), baseSteps...)
	switch segment {
	case SegmentEnterprise:
		steps = append(steps,
			Step{ID: "manager_assignment", Title: "Manager Assignment", Duration: 3},
			Step{ID: "video_session", Title: "Video Onboarding", Duration: 15},
			Step{ID: "document_setup", Title: "Document Generation", Duration: 5},
		)
	case SegmentPremium:
		steps = append(steps,
			Step{ID: "video_session", Title: "Video Onboarding", Duration: 10},
			Step{ID: "document_setup", Title: "Document Generation", Duration: 3},
		)
	}
	return steps
}

// EstimatedDuration is the expected onboarding time in minutes.
func EstimatedDuration(segment string) int {
	switch segment {
	case SegmentEnterprise:
		return 30
	case SegmentPremium:
		return 20
	case SegmentFree:
		return 10
	}
	return 15
}

// StartSession builds a new active session for u.
func (g *Generator) StartSession(u UserData, prefs map[string]interface{}) Session {
	now := g.now().UTC()
	seg := Segment(u)
	return Session{
		ID:                "onboarding-" + strconv.FormatInt(now.UnixMilli(), 10),
		UserID:            u.ID,
		Segment:           seg,
		Status:            "active",
		StartTime:         now.Format(time.RFC3339Nano),
		EstimatedDuration: EstimatedDuration(seg),
		Steps:             Flow(seg),
		Preferences:       prefs,
		Timestamp:         now.Format(time.RFC3339Nano),
	}
}
