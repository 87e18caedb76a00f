// Package decision turns committed evidence into time-bounded enforcement
// decisions. It owns all per-source threat state.
package decision

import (
	"container/heap"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// State is the lifecycle state of a tracked source.
type State string

const (
	StateWatched State = "watched"
	StateBlocked State = "blocked"
	StateExpired State = "expired"
)

// Config carries the enforcement policy thresholds.
type Config struct {
	// BlockThreshold is the violation count within the accounting window
	// that trips a block.
	BlockThreshold int
	// BaseDuration is the first block's length; repeat offenders double it
	// per prior block up to EscalationCap.
	BaseDuration  time.Duration
	EscalationCap time.Duration
	// AccountingWindow is the rolling window violations are counted over.
	AccountingWindow time.Duration
	// RecidivismRetention is how long a quiet source's history is kept so a
	// reoffender escalates instead of restarting at the base duration.
	RecidivismRetention time.Duration
}

type violation struct {
	ts  time.Time
	seq uint64
}

// threatState is the per-source record. All access is serialized through the
// owning shard's mutex.
type threatState struct {
	source          model.SourceIdentity
	state           State
	violations      []violation
	totalViolations int
	lastViolation   time.Time
	priorBlocks     int
	blockExpiry     time.Time
	rule            *model.BlockRule
}

const shardCount = 16

type shard struct {
	mu     sync.Mutex
	states map[string]*threatState
}

// Engine is the per-source decision state machine. Different sources are
// handled concurrently across shards; a single source is always serialized,
// which makes the transition into Blocked the one authoritative decision
// point.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	shards [shardCount]shard

	expiryMu sync.Mutex
	expiries expiryHeap
}

// NewEngine creates the decision engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{cfg: cfg, logger: logger}
	for i := range e.shards {
		e.shards[i].states = make(map[string]*threatState)
	}
	heap.Init(&e.expiries)
	return e
}

// HandleEvidence re-evaluates the source named by a freshly committed
// evidence record. Returned actions must be issued asynchronously by the
// caller; the state transition stands regardless of enforcement outcome.
func (e *Engine) HandleEvidence(rec model.EvidenceRecord) []model.EnforcementAction {
	source := rec.Event.Source
	ts := rec.Event.Timestamp
	sh := e.shardFor(source.Key())

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[source.Key()]
	if !ok {
		st = &threatState{source: source, state: StateWatched}
		sh.states[source.Key()] = st
		e.logger.Info("source now watched", "source", source.Key())
	}

	if ts.After(st.lastViolation) {
		st.lastViolation = ts
	}
	st.totalViolations++
	st.violations = append(st.violations, violation{ts: ts, seq: rec.Sequence})
	st.pruneViolations(ts.Add(-e.cfg.AccountingWindow))

	switch st.state {
	case StateBlocked:
		e.extendBlock(st, ts)
		return nil
	case StateExpired:
		st.state = StateWatched
		e.logger.Info("expired source reoffended, back to watched",
			"source", source.Key(),
			"total_violations", st.totalViolations,
			"prior_blocks", st.priorBlocks)
	}

	if len(st.violations) < e.cfg.BlockThreshold {
		return nil
	}
	return []model.EnforcementAction{e.block(st, rec, ts)}
}

// block performs the single authoritative Watched -> Blocked transition.
func (e *Engine) block(st *threatState, rec model.EvidenceRecord, ts time.Time) model.EnforcementAction {
	duration := e.blockDuration(st.priorBlocks)
	st.priorBlocks++
	st.state = StateBlocked
	st.blockExpiry = ts.Add(duration)

	rule := &model.BlockRule{
		Source:       st.source,
		Duration:     duration,
		CreatedAt:    ts,
		ExpiresAt:    st.blockExpiry,
		Reason:       fmt.Sprintf("%d violations within %s", len(st.violations), e.cfg.AccountingWindow),
		EvidenceFrom: st.violations[0].seq,
		EvidenceTo:   rec.Sequence,
	}
	st.rule = rule
	e.pushExpiry(st.blockExpiry, st.source.Key())

	e.logger.Warn("source blocked",
		"source", st.source.Key(),
		"duration", duration.String(),
		"prior_blocks", st.priorBlocks-1,
		"evidence_from", rule.EvidenceFrom,
		"evidence_to", rule.EvidenceTo)

	return model.EnforcementAction{
		Type:         model.ActionBlock,
		Source:       st.source,
		Duration:     duration,
		Reason:       rule.Reason,
		EvidenceFrom: rule.EvidenceFrom,
		EvidenceTo:   rule.EvidenceTo,
		Timestamp:    ts,
	}
}

// extendBlock handles a violation arriving during an active block: the block
// is extended at the current escalation level, never duplicated.
func (e *Engine) extendBlock(st *threatState, ts time.Time) {
	duration := e.blockDuration(st.priorBlocks - 1)
	newExpiry := ts.Add(duration)
	if !newExpiry.After(st.blockExpiry) {
		return
	}
	st.blockExpiry = newExpiry
	if st.rule != nil {
		st.rule.ExpiresAt = newExpiry
	}
	e.pushExpiry(newExpiry, st.source.Key())
	e.logger.Info("active block extended",
		"source", st.source.Key(), "expires_at", newExpiry)
}

// Sweep releases expired blocks and evicts sources whose recidivism memory
// has aged out. It returns the unblock actions to issue.
func (e *Engine) Sweep(now time.Time) []model.EnforcementAction {
	var actions []model.EnforcementAction
	for {
		key, ok := e.popExpiryDue(now)
		if !ok {
			break
		}
		if action := e.expireBlock(key, now); action != nil {
			actions = append(actions, *action)
		}
	}
	e.evictStale(now)
	return actions
}

func (e *Engine) expireBlock(key string, now time.Time) *model.EnforcementAction {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[key]
	if !ok || st.state != StateBlocked {
		// Stale heap entry, or an unblock for a source that is not blocked.
		// Logic no-op per the error taxonomy.
		e.logger.Debug("expiry for source with no active block", "source", key)
		return nil
	}
	if st.blockExpiry.After(now) {
		// Block was extended after this heap entry was pushed.
		e.pushExpiry(st.blockExpiry, key)
		return nil
	}

	var from, to uint64
	if st.rule != nil {
		from, to = st.rule.EvidenceFrom, st.rule.EvidenceTo
	}
	st.state = StateExpired
	st.rule = nil
	// Violation history is deliberately retained: a fast reoffender escalates
	// instead of restarting at the base duration.

	e.logger.Info("block expired",
		"source", key,
		"prior_blocks", st.priorBlocks,
		"total_violations", st.totalViolations)

	return &model.EnforcementAction{
		Type:         model.ActionUnblock,
		Source:       st.source,
		Reason:       "block expired",
		EvidenceFrom: from,
		EvidenceTo:   to,
		Timestamp:    now,
	}
}

// evictStale drops non-blocked sources whose last violation is beyond the
// recidivism retention window.
func (e *Engine) evictStale(now time.Time) {
	cutoff := now.Add(-e.cfg.RecidivismRetention)
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for key, st := range sh.states {
			if st.state != StateBlocked && st.lastViolation.Before(cutoff) {
				delete(sh.states, key)
			}
		}
		sh.mu.Unlock()
	}
}

// blockDuration escalates base * 2^priorBlocks, capped.
func (e *Engine) blockDuration(priorBlocks int) time.Duration {
	if priorBlocks > 20 {
		priorBlocks = 20
	}
	d := e.cfg.BaseDuration << uint(priorBlocks)
	if d > e.cfg.EscalationCap || d <= 0 {
		d = e.cfg.EscalationCap
	}
	return d
}

// SourceState reports the lifecycle state of one source. The second return
// is false for sources the engine has never seen (or already evicted).
func (e *Engine) SourceState(source model.SourceIdentity) (State, bool) {
	sh := e.shardFor(source.Key())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[source.Key()]
	if !ok {
		return "", false
	}
	return st.state, true
}

// ActiveRules returns a copy of all currently active block rules.
func (e *Engine) ActiveRules() []model.BlockRule {
	var rules []model.BlockRule
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for _, st := range sh.states {
			if st.state == StateBlocked && st.rule != nil {
				rules = append(rules, *st.rule)
			}
		}
		sh.mu.Unlock()
	}
	return rules
}

// Snapshot summarizes engine state for the status surface.
type Snapshot struct {
	Watched int `json:"watched"`
	Blocked int `json:"blocked"`
	Expired int `json:"expired"`
	Total   int `json:"total"`
}

// Stats returns per-state source tallies.
func (e *Engine) Stats() Snapshot {
	var snap Snapshot
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for _, st := range sh.states {
			switch st.state {
			case StateWatched:
				snap.Watched++
			case StateBlocked:
				snap.Blocked++
			case StateExpired:
				snap.Expired++
			}
			snap.Total++
		}
		sh.mu.Unlock()
	}
	return snap
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &e.shards[h.Sum32()%shardCount]
}

func (st *threatState) pruneViolations(cutoff time.Time) {
	kept := st.violations[:0]
	for _, v := range st.violations {
		if !v.ts.Before(cutoff) {
			kept = append(kept, v)
		}
	}
	st.violations = kept
}

func (e *Engine) pushExpiry(at time.Time, key string) {
	e.expiryMu.Lock()
	heap.Push(&e.expiries, expiryEntry{at: at, key: key})
	e.expiryMu.Unlock()
}

func (e *Engine) popExpiryDue(now time.Time) (string, bool) {
	e.expiryMu.Lock()
	defer e.expiryMu.Unlock()
	if len(e.expiries) == 0 || e.expiries[0].at.After(now) {
		return "", false
	}
	entry := heap.Pop(&e.expiries).(expiryEntry)
	return entry.key, true
}

// expiryEntry is one pending block expiry. A min-heap keeps the sweep cheap
// under many concurrent sources; one timer per block would not scale.
type expiryEntry struct {
	at  time.Time
	key string
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
