// Package analytics produces the demo analytics and security snapshots
// served by the polling endpoints and pushed through the hub, and builds
// personalised onboarding sessions.
package analytics

import (
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// Snapshot is the analytics channel payload.
type Snapshot struct {
	TotalUsers        int     `json:"totalUsers"`
	ActiveUsers       int     `json:"activeUsers"`
	ConversionRate    float64 `json:"conversionRate"`
	AvgOnboardingTime float64 `json:"avgOnboardingTime"`
	ChurnRate         float64 `json:"churnRate"`
	SecurityAlerts    int     `json:"securityAlerts"`
	DocumentGenerated int     `json:"documentGenerated"`
	VideoSessions     int     `json:"videoSessions"`
	SMSSent           int     `json:"smsSent"`
	Timestamp         string  `json:"timestamp"`
}

// SecurityEvent is one entry of SecuritySnapshot.RecentEvents.
type SecurityEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	Location    string `json:"location"`
	IPAddress   string `json:"ipAddress,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Status      string `json:"status"`
	RiskScore   int    `json:"riskScore"`
}

// SecuritySnapshot is the security channel payload.
type SecuritySnapshot struct {
	TotalThreats        int             `json:"totalThreats"`
	ThreatsBlocked      int             `json:"threatsBlocked"`
	ActiveAlerts        int             `json:"activeAlerts"`
	SecurityScore       int             `json:"securityScore"`
	LastIncident        string          `json:"lastIncident"`
	Uptime              float64         `json:"uptime"`
	VerificationSuccess float64         `json:"verificationSuccess"`
	FraudAttempts       int             `json:"fraudAttempts"`
	RecentEvents        []SecurityEvent `json:"recentEvents"`
	Timestamp           string          `json:"timestamp"`
}

// Requester identifies who asked for a security snapshot.
type Requester struct {
	IP        string
	UserAgent string
}

// Generator produces snapshots. It is goroutine-safe.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewGenerator returns a Generator seeded from the runtime.
func NewGenerator() *Generator {
	return &Generator{
		rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now: time.Now,
	}
}

// NewSeededGenerator returns a deterministic Generator.
func NewSeededGenerator(seed uint64, now func() time.Time) *Generator {
	return &Generator{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), now: now}
}

func (g *Generator) stamp() string {
	return g.now().UTC().Format(time.RFC3339Nano)
}

// Analytics returns a fresh analytics snapshot.
func (g *Generator) Analytics() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.rnd
	return Snapshot{
		TotalUsers:        1247 + r.IntN(50),
		ActiveUsers:       89 + r.IntN(20),
		ConversionRate:    round2(78.5 + (r.Float64()-0.5)*5),
		AvgOnboardingTime: round2(12.3 + (r.Float64()-0.5)*2),
		ChurnRate:         round2(3.2 + (r.Float64() - 0.5)),
		SecurityAlerts:    2 + r.IntN(3),
		DocumentGenerated: 156 + r.IntN(10),
		VideoSessions:     23 + r.IntN(5),
		SMSSent:           89 + r.IntN(15),
		Timestamp:         g.stamp(),
	}
}

// Security returns a fresh security snapshot. who is recorded on the
// synthetic recent event and may be zero.
func (g *Generator) Security(who Requester) SecuritySnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.rnd
	now := g.now().UTC()
	lastIncident := now.Add(-time.Duration(r.Int64N(int64(24 * time.Hour))))

	return SecuritySnapshot{
		TotalThreats:        156 + r.IntN(20),
		ThreatsBlocked:      152 + r.IntN(15),
		ActiveAlerts:        3 + r.IntN(3),
		SecurityScore:       94 + r.IntN(5),
		LastIncident:        lastIncident.Format(time.RFC3339),
		Uptime:              round2(99.98 + r.Float64()*0.02),
		VerificationSuccess: round2(98.5 + r.Float64()),
		FraudAttempts:       12 + r.IntN(8),
		RecentEvents: []SecurityEvent{{
			ID:          "event-" + strconv.FormatInt(now.UnixMilli(), 10),
			Type:        "suspicious_activity",
			Severity:    "high",
			Description: "Multiple failed login attempts from unknown IP",
			Timestamp:   now.Format(time.RFC3339Nano),
			Location:    "New York, US",
			IPAddress:   who.IP,
			UserAgent:   who.UserAgent,
			Status:      "investigating",
			RiskScore:   85,
		}},
		Timestamp: now.Format(time.RFC3339Nano),
	}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
