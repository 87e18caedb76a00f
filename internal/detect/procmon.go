package detect

import (
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// BaselineScorer scores a process observation against a learned baseline of
// typical footprint. Implementations decide the statistical method; the
// pipeline only consumes the deviation score.
type BaselineScorer interface {
	// Learn folds the observation into the baseline.
	Learn(obs model.ProcessObservation)
	// Score returns the deviation of the observation from the baseline in
	// standard-deviation units. ok is false while no usable baseline exists.
	Score(obs model.ProcessObservation) (score float64, ok bool)
}

// suspiciousNames flags tooling that has no business running on a personal
// machine unannounced. Matched as substrings of the executable base name.
var suspiciousNames = []string{
	"nc", "netcat", "nmap", "masscan", "hping",
	"metasploit", "msfconsole", "armitage",
	"mimikatz", "procdump", "pwdump",
	"keylogger",
	"xmrig", "minergate", "cryptominer",
	"backdoor", "trojan", "rootkit",
}

// ProcMonitor tracks process lifecycle and flags anomalies against the
// pluggable baseline scorer. It also carries two direct rules recovered from
// the host monitor it replaces: known-hostile executable names, and sustained
// high CPU/memory usage over consecutive readings.
//
// Per-pid bookkeeping is sharded so observations for distinct processes never
// contend on one lock.
type ProcMonitor struct {
	scorer BaselineScorer
	logger *slog.Logger

	sensitivity  float64
	highCPU      float64
	highMemory   float64
	highReadings int

	shards [procShardCount]procShard
}

const procShardCount = 16

type procShard struct {
	mu sync.Mutex
	// per-pid counters for consecutive high-resource readings
	cpuStreak map[int]int
	memStreak map[int]int
	// pids already flagged for a suspicious name, to emit once per process
	flaggedNames map[int]struct{}
	lastSeen     map[int]time.Time
}

// ProcMonitorConfig carries thresholds for the process monitor.
type ProcMonitorConfig struct {
	AnomalySensitivity float64
	HighCPUPercent     float64
	HighMemoryPercent  float64
	HighReadings       int
}

// NewProcMonitor builds the monitor around the given scorer.
func NewProcMonitor(scorer BaselineScorer, cfg ProcMonitorConfig, logger *slog.Logger) *ProcMonitor {
	readings := cfg.HighReadings
	if readings < 1 {
		readings = 3
	}
	m := &ProcMonitor{
		scorer:       scorer,
		logger:       logger,
		sensitivity:  cfg.AnomalySensitivity,
		highCPU:      cfg.HighCPUPercent,
		highMemory:   cfg.HighMemoryPercent,
		highReadings: readings,
	}
	for i := range m.shards {
		m.shards[i] = procShard{
			cpuStreak:    make(map[int]int),
			memStreak:    make(map[int]int),
			flaggedNames: make(map[int]struct{}),
			lastSeen:     make(map[int]time.Time),
		}
	}
	return m
}

// Observe feeds one process snapshot through the monitor. A single snapshot
// can trip more than one rule, so the result is a slice.
func (m *ProcMonitor) Observe(obs model.ProcessObservation) []model.SecurityEvent {
	sh := m.shardFor(obs.PID)
	sh.mu.Lock()

	sh.lastSeen[obs.PID] = obs.Timestamp
	source := model.ProcessIdentity(obs.PID)
	var events []model.SecurityEvent

	if name, ok := m.matchSuspiciousName(obs.ExePath); ok {
		if _, already := sh.flaggedNames[obs.PID]; !already {
			sh.flaggedNames[obs.PID] = struct{}{}
			m.logger.Warn("suspicious process name",
				"pid", obs.PID, "exe", obs.ExePath, "pattern", name)
			events = append(events, model.NewSecurityEvent(
				model.KindProcessAnomaly, source, model.SeverityHigh, obs.Timestamp,
				map[string]any{
					"reason":   "suspicious_name",
					"exe_path": obs.ExePath,
					"pattern":  name,
				}))
		}
	}

	if ev := m.checkResourceStreaks(sh, obs, source); ev != nil {
		events = append(events, *ev)
	}
	sh.mu.Unlock()

	// Score against the baseline as it stood before this observation, then
	// learn from it. A compromised process must not poison its own check.
	score, ready := m.scorer.Score(obs)
	m.scorer.Learn(obs)
	if ready && score > m.sensitivity {
		sev := deviationSeverity(score, m.sensitivity)
		m.logger.Warn("process footprint deviates from baseline",
			"pid", obs.PID, "exe", obs.ExePath,
			"score", score, "sensitivity", m.sensitivity, "severity", sev.String())
		events = append(events, model.NewSecurityEvent(
			model.KindProcessAnomaly, source, sev, obs.Timestamp,
			map[string]any{
				"reason":          "footprint_deviation",
				"exe_path":        obs.ExePath,
				"score":           score,
				"cpu_percent":     obs.CPUPercent,
				"memory_percent":  obs.MemoryPercent,
				"net_connections": obs.NetConnections,
			}))
	}

	return events
}

// checkResourceStreaks emits an anomaly after N consecutive readings above
// the CPU or memory threshold, then resets the streak.
func (m *ProcMonitor) checkResourceStreaks(sh *procShard, obs model.ProcessObservation, source model.SourceIdentity) *model.SecurityEvent {
	reason := ""
	if obs.CPUPercent > m.highCPU {
		sh.cpuStreak[obs.PID]++
		if sh.cpuStreak[obs.PID] >= m.highReadings {
			sh.cpuStreak[obs.PID] = 0
			reason = "sustained_high_cpu"
		}
	} else {
		sh.cpuStreak[obs.PID] = 0
	}

	if reason == "" {
		if obs.MemoryPercent > m.highMemory {
			sh.memStreak[obs.PID]++
			if sh.memStreak[obs.PID] >= m.highReadings {
				sh.memStreak[obs.PID] = 0
				reason = "sustained_high_memory"
			}
		} else {
			sh.memStreak[obs.PID] = 0
		}
	}

	if reason == "" {
		return nil
	}

	m.logger.Warn("sustained high resource usage",
		"pid", obs.PID, "exe", obs.ExePath, "reason", reason,
		"cpu_percent", obs.CPUPercent, "memory_percent", obs.MemoryPercent)
	ev := model.NewSecurityEvent(model.KindProcessAnomaly, source, model.SeverityMedium, obs.Timestamp,
		map[string]any{
			"reason":         reason,
			"exe_path":       obs.ExePath,
			"cpu_percent":    obs.CPUPercent,
			"memory_percent": obs.MemoryPercent,
			"readings":       m.highReadings,
		})
	return &ev
}

// Sweep drops per-pid bookkeeping for processes not observed since the cutoff.
func (m *ProcMonitor) Sweep(now time.Time, idle time.Duration) int {
	removed := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for pid, seen := range sh.lastSeen {
			if now.Sub(seen) > idle {
				delete(sh.lastSeen, pid)
				delete(sh.cpuStreak, pid)
				delete(sh.memStreak, pid)
				delete(sh.flaggedNames, pid)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (m *ProcMonitor) shardFor(pid int) *procShard {
	return &m.shards[uint(pid)%procShardCount]
}

func (m *ProcMonitor) matchSuspiciousName(exePath string) (string, bool) {
	base := strings.ToLower(filepath.Base(exePath))
	for _, pattern := range suspiciousNames {
		if strings.Contains(base, pattern) {
			return pattern, true
		}
	}
	return "", false
}

func deviationSeverity(score, sensitivity float64) model.Severity {
	switch {
	case score >= 3*sensitivity:
		return model.SeverityCritical
	case score >= 2*sensitivity:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// WelfordScorer is the default BaselineScorer: an online mean/variance
// (Welford) baseline per executable path over CPU, memory and connection
// count. Paths without a mature baseline fall back to a global baseline
// trained on every observation, so unseen executables are still scored.
type WelfordScorer struct {
	mu             sync.Mutex
	perExe         map[string]*welfordState
	global         *welfordState
	learningPeriod time.Duration
	minSamples     int
}

type welfordState struct {
	firstSeen time.Time
	n         int
	mean      [3]float64
	m2        [3]float64
}

// NewWelfordScorer creates the scorer. A baseline is usable once it has aged
// past the learning period and collected at least minSamples observations.
func NewWelfordScorer(learningPeriod time.Duration, minSamples int) *WelfordScorer {
	if minSamples < 2 {
		minSamples = 2
	}
	return &WelfordScorer{
		perExe:         make(map[string]*welfordState),
		global:         &welfordState{},
		learningPeriod: learningPeriod,
		minSamples:     minSamples,
	}
}

// Learn implements BaselineScorer.
func (s *WelfordScorer) Learn(obs model.ProcessObservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.perExe[obs.ExePath]
	if !ok {
		st = &welfordState{firstSeen: obs.Timestamp}
		s.perExe[obs.ExePath] = st
	}
	if s.global.n == 0 {
		s.global.firstSeen = obs.Timestamp
	}
	x := footprint(obs)
	st.update(x)
	s.global.update(x)
}

// Score implements BaselineScorer.
func (s *WelfordScorer) Score(obs model.ProcessObservation) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.perExe[obs.ExePath]
	if st == nil || !s.mature(st, obs.Timestamp) {
		st = s.global
	}
	if !s.mature(st, obs.Timestamp) {
		return 0, false
	}

	x := footprint(obs)
	worst := 0.0
	for i := range x {
		variance := st.m2[i] / float64(st.n-1)
		stddev := math.Sqrt(variance)
		if stddev < 1e-6 {
			stddev = 1e-6
		}
		z := math.Abs(x[i]-st.mean[i]) / stddev
		if z > worst {
			worst = z
		}
	}
	return worst, true
}

func (s *WelfordScorer) mature(st *welfordState, now time.Time) bool {
	return st.n >= s.minSamples && now.Sub(st.firstSeen) >= s.learningPeriod
}

func (st *welfordState) update(x [3]float64) {
	st.n++
	for i := range x {
		delta := x[i] - st.mean[i]
		st.mean[i] += delta / float64(st.n)
		st.m2[i] += delta * (x[i] - st.mean[i])
	}
}

func footprint(obs model.ProcessObservation) [3]float64 {
	return [3]float64{obs.CPUPercent, obs.MemoryPercent, float64(obs.NetConnections)}
}
