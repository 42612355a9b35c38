package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/askari/internal/config"
)

// AnomalyDetector tracks pass/block outcomes per pipeline layer over a
// sliding window and warns when the block rate spikes. A sudden burst of
// blocked inputs usually means someone is probing the perimeter.
type AnomalyDetector struct {
	mu      sync.Mutex
	blocked map[string]*slidingWindow
	passed  map[string]*slidingWindow
	cfg     *config.AnomalyConfig
	logger  *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates a detector from config. Returns nil when cfg is
// nil; all Record methods are nil-safe.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		return nil
	}
	return &AnomalyDetector{
		blocked: make(map[string]*slidingWindow),
		passed:  make(map[string]*slidingWindow),
		cfg:     cfg,
		logger:  logger,
	}
}

// RecordBlocked records a policy rejection for the given layer.
func (a *AnomalyDetector) RecordBlocked(layer string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.blocked, layer).add(1)
	a.checkBlockRate(layer)
}

// RecordPassed records an allowed operation for the given layer.
func (a *AnomalyDetector) RecordPassed(layer string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.passed, layer).add(1)
}

// BlockRate returns the current blocked/total ratio for a layer within the
// window. Returns 0 when there is no data.
func (a *AnomalyDetector) BlockRate(layer string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	blocked := a.getOrCreateWindow(a.blocked, layer).sum()
	passed := a.getOrCreateWindow(a.passed, layer).sum()
	total := blocked + passed
	if total == 0 {
		return 0
	}
	return blocked / total
}

// checkBlockRate warns when the blocked ratio exceeds the configured
// threshold. Must be called with a.mu held.
func (a *AnomalyDetector) checkBlockRate(layer string) {
	threshold := a.cfg.BlockRateThreshold
	if threshold <= 0 {
		return
	}

	blocked := a.getOrCreateWindow(a.blocked, layer).sum()
	passed := a.getOrCreateWindow(a.passed, layer).sum()
	total := blocked + passed

	if total < 5 {
		return // Not enough data.
	}

	rate := blocked / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high block rate",
			slog.String("layer", layer),
			slog.Float64("block_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("blocked", blocked),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.cfg.Window()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
