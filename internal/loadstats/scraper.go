package loadstats

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Hub metric names read by the scraper.
const (
	metricConnections   = "onboardiq_hub_connections"
	metricSubscriptions = "onboardiq_hub_subscriptions"
	metricFrames        = "onboardiq_hub_frames_total"
)

// metricSnapshot holds the hub metrics at one point in time.
type metricSnapshot struct {
	timestamp     time.Time
	connections   float64
	subscriptions float64 // summed over channels
	framesOut     float64
	framesDropped float64
}

// Scraper periodically fetches the hub's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start scrapes once immediately, then every interval until ctx is done or
// Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Final snapshot with a fresh context.
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop stops scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// scrapeOnce records a snapshot. Failures are skipped; the hub may not be
// up yet.
func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (metricSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return metricSnapshot{}, errors.Wrap(err, "loadstats: build scrape request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return metricSnapshot{}, errors.Wrap(err, "loadstats: scrape")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, errors.Errorf("loadstats: scrape status %d", resp.StatusCode)
	}
	snap, err := parseSnapshot(resp.Body)
	snap.timestamp = time.Now()
	return snap, err
}

// parseSnapshot reads the hub metrics out of a Prometheus text exposition.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	var snap metricSnapshot
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return snap, errors.Wrap(err, "loadstats: parse metrics")
	}

	if mf, ok := families[metricConnections]; ok {
		for _, m := range mf.GetMetric() {
			snap.connections = sampleValue(m)
		}
	}
	if mf, ok := families[metricSubscriptions]; ok {
		for _, m := range mf.GetMetric() {
			snap.subscriptions += sampleValue(m)
		}
	}
	if mf, ok := families[metricFrames]; ok {
		for _, m := range mf.GetMetric() {
			switch labelValue(m, "direction") {
			case "out":
				snap.framesOut = sampleValue(m)
			case "dropped":
				snap.framesDropped = sampleValue(m)
			}
		}
	}
	return snap, nil
}

// sampleValue returns the value of a gauge, counter or untyped sample.
func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// Report writes the initial, final, delta and peak of each hub metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]metricSnapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Hub Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Hub Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(m metricSnapshot) float64 { return m.connections }},
		{"Subscriptions", func(m metricSnapshot) float64 { return m.subscriptions }},
		{"Frames Out", func(m metricSnapshot) float64 { return m.framesOut }},
		{"Frames Dropped", func(m metricSnapshot) float64 { return m.framesDropped }},
	}

	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
