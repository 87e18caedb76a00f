package detect

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// ScanTracker maintains a per-source sliding window of distinct destination
// ports and emits a PortScan event when the distinct-port count within the
// window reaches the configured threshold.
//
// Eviction is keyed off each event's own timestamp, not arrival order, so
// modest reordering and clock skew are tolerated. Events older than the
// window's most recent edge are dropped rather than rewinding state.
//
// Source state is sharded so observations for distinct sources never contend
// on one lock; a single source's stream is already serialized upstream.
type ScanTracker struct {
	shards    [scanShardCount]scanShard
	window    time.Duration
	threshold int
	logger    *slog.Logger
}

const scanShardCount = 16

type scanShard struct {
	mu      sync.Mutex
	sources map[string]*scanWindow
}

// scanWindow is the per-source state: last-seen timestamp per distinct port
// plus the cooldown bookkeeping that suppresses duplicate emissions for the
// same sustained scan.
type scanWindow struct {
	source        model.SourceIdentity
	ports         map[int]time.Time
	newest        time.Time
	cooldownUntil time.Time
	tripped       bool
}

// NewScanTracker creates a tracker with window width and distinct-port threshold.
func NewScanTracker(window time.Duration, threshold int, logger *slog.Logger) *ScanTracker {
	t := &ScanTracker{
		window:    window,
		threshold: threshold,
		logger:    logger,
	}
	for i := range t.shards {
		t.shards[i].sources = make(map[string]*scanWindow)
	}
	return t
}

// Observe feeds one network event into the tracker. It returns a PortScan
// SecurityEvent when the threshold is crossed, nil otherwise.
func (t *ScanTracker) Observe(ev model.NetworkEvent) *model.SecurityEvent {
	key := ev.Source.Key()
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	win, ok := sh.sources[key]
	if !ok {
		win = &scanWindow{
			source: ev.Source,
			ports:  make(map[int]time.Time),
		}
		sh.sources[key] = win
	}

	// Too stale to be represented in the current window; dropping is cheaper
	// than rewinding committed state.
	if ev.Timestamp.Before(win.newest.Add(-t.window)) {
		return nil
	}
	if ev.Timestamp.After(win.newest) {
		win.newest = ev.Timestamp
	}
	now := win.newest

	// Evict ports whose last touch fell out of the window.
	cutoff := now.Add(-t.window)
	for port, seen := range win.ports {
		if seen.Before(cutoff) {
			delete(win.ports, port)
		}
	}
	win.ports[ev.DstPort] = ev.Timestamp

	distinct := len(win.ports)
	if distinct < t.threshold {
		// The sustained scan subsided; a fresh threshold crossing may emit again.
		win.tripped = false
		return nil
	}
	if win.tripped && now.Before(win.cooldownUntil) {
		return nil
	}

	win.tripped = true
	win.cooldownUntil = now.Add(t.window)

	rate := float64(distinct) / t.window.Seconds()
	sev := scanSeverity(rate)
	ports := make([]int, 0, distinct)
	for p := range win.ports {
		ports = append(ports, p)
	}

	t.logger.Warn("port scan detected",
		"source", ev.Source.Key(),
		"distinct_ports", distinct,
		"window", t.window.String(),
		"rate_per_sec", rate,
		"severity", sev.String())

	event := model.NewSecurityEvent(model.KindPortScan, ev.Source, sev, ev.Timestamp, map[string]any{
		"distinct_ports": distinct,
		"ports":          ports,
		"window_seconds": t.window.Seconds(),
		"rate_per_sec":   rate,
		"protocol":       ev.Protocol,
	})
	return &event
}

// Sweep drops per-source windows whose newest entry is older than the window
// width and whose cooldown has lapsed. Called periodically by the pipeline.
func (t *ScanTracker) Sweep(now time.Time) int {
	removed := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for key, win := range sh.sources {
			if now.Sub(win.newest) > t.window && now.After(win.cooldownUntil) {
				delete(sh.sources, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// TrackedSources returns the number of sources with live window state.
func (t *ScanTracker) TrackedSources() int {
	total := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		total += len(sh.sources)
		sh.mu.Unlock()
	}
	return total
}

func (t *ScanTracker) shardFor(key string) *scanShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%scanShardCount]
}

// scanSeverity scales with the distinct-port rate over the window.
func scanSeverity(ratePerSec float64) model.Severity {
	switch {
	case ratePerSec >= 2:
		return model.SeverityCritical
	case ratePerSec >= 1:
		return model.SeverityHigh
	case ratePerSec >= 0.25:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}
