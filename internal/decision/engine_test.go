package decision

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		BlockThreshold:      3,
		BaseDuration:        15 * time.Minute,
		EscalationCap:       24 * time.Hour,
		AccountingWindow:    10 * time.Minute,
		RecidivismRetention: 7 * 24 * time.Hour,
	}
}

func evidence(seq uint64, ip string, ts time.Time) model.EvidenceRecord {
	return model.EvidenceRecord{
		Sequence: seq,
		Event: model.SecurityEvent{
			ID:        "test-event",
			Kind:      model.KindPortScan,
			Source:    model.IPIdentity(ip),
			Severity:  model.SeverityHigh,
			Timestamp: ts,
		},
	}
}

func TestEngine_BlocksAtThreshold(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(testConfig(), testLogger())

	assert.Empty(t, e.HandleEvidence(evidence(1, "10.0.0.5", base)))
	assert.Empty(t, e.HandleEvidence(evidence(2, "10.0.0.5", base.Add(time.Second))))

	actions := e.HandleEvidence(evidence(3, "10.0.0.5", base.Add(2*time.Second)))
	require.Len(t, actions, 1)
	action := actions[0]
	assert.Equal(t, model.ActionBlock, action.Type)
	assert.Equal(t, model.IPIdentity("10.0.0.5"), action.Source)
	assert.Equal(t, 15*time.Minute, action.Duration)
	assert.Equal(t, uint64(1), action.EvidenceFrom)
	assert.Equal(t, uint64(3), action.EvidenceTo)

	state, ok := e.SourceState(model.IPIdentity("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, StateBlocked, state)
	assert.Len(t, e.ActiveRules(), 1)
}

func TestEngine_ViolationsOutsideAccountingWindowDoNotCount(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(testConfig(), testLogger())

	e.HandleEvidence(evidence(1, "10.0.0.5", base))
	e.HandleEvidence(evidence(2, "10.0.0.5", base.Add(time.Second)))

	// Third violation arrives after the first two aged out of the window.
	actions := e.HandleEvidence(evidence(3, "10.0.0.5", base.Add(30*time.Minute)))
	assert.Empty(t, actions)

	state, ok := e.SourceState(model.IPIdentity("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, StateWatched, state)
}

func TestEngine_ViolationDuringBlockExtendsWithoutNewAction(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(testConfig(), testLogger())

	e.HandleEvidence(evidence(1, "10.0.0.5", base))
	e.HandleEvidence(evidence(2, "10.0.0.5", base.Add(time.Second)))
	require.Len(t, e.HandleEvidence(evidence(3, "10.0.0.5", base.Add(2*time.Second))), 1)

	before := e.ActiveRules()[0].ExpiresAt
	actions := e.HandleEvidence(evidence(4, "10.0.0.5", base.Add(time.Minute)))
	assert.Empty(t, actions, "active block must not issue a duplicate action")

	rules := e.ActiveRules()
	require.Len(t, rules, 1)
	assert.True(t, rules[0].ExpiresAt.After(before))
}

func TestEngine_SweepExpiresBlock(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(testConfig(), testLogger())

	e.HandleEvidence(evidence(1, "10.0.0.5", base))
	e.HandleEvidence(evidence(2, "10.0.0.5", base.Add(time.Second)))
	e.HandleEvidence(evidence(3, "10.0.0.5", base.Add(2*time.Second)))

	// Before expiry: nothing to release.
	assert.Empty(t, e.Sweep(base.Add(10*time.Minute)))

	actions := e.Sweep(base.Add(16 * time.Minute))
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionUnblock, actions[0].Type)
	assert.Equal(t, model.IPIdentity("10.0.0.5"), actions[0].Source)

	state, ok := e.SourceState(model.IPIdentity("10.0.0.5"))
	require.True(t, ok, "expired source stays tracked for recidivism")
	assert.Equal(t, StateExpired, state)
	assert.Empty(t, e.ActiveRules())
}

func TestEngine_EscalationDoublesPerPriorBlock(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(testConfig(), testLogger())
	seq := uint64(0)
	next := func() uint64 { seq++; return seq }

	blockAt := func(ts time.Time) model.EnforcementAction {
		t.Helper()
		var actions []model.EnforcementAction
		for i := 0; len(actions) == 0 && i < 3; i++ {
			actions = e.HandleEvidence(evidence(next(), "10.0.0.5", ts.Add(time.Duration(i)*time.Second)))
		}
		require.Len(t, actions, 1)
		return actions[0]
	}

	first := blockAt(base)
	assert.Equal(t, 15*time.Minute, first.Duration)

	e.Sweep(base.Add(20 * time.Minute))

	second := blockAt(base.Add(30 * time.Minute))
	assert.Equal(t, 30*time.Minute, second.Duration)

	e.Sweep(base.Add(90 * time.Minute))

	third := blockAt(base.Add(2 * time.Hour))
	assert.Equal(t, time.Hour, third.Duration)
}

func TestEngine_EscalationCapped(t *testing.T) {
	cfg := testConfig()
	cfg.EscalationCap = time.Hour
	e := NewEngine(cfg, testLogger())

	assert.Equal(t, 15*time.Minute, e.blockDuration(0))
	assert.Equal(t, 30*time.Minute, e.blockDuration(1))
	assert.Equal(t, time.Hour, e.blockDuration(2))
	assert.Equal(t, time.Hour, e.blockDuration(3))
	assert.Equal(t, time.Hour, e.blockDuration(50), "shift overflow must clamp to the cap")
}

func TestEngine_ConcurrentViolationsSingleTransition(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(testConfig(), testLogger())

	const n = 32
	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			actions := e.HandleEvidence(evidence(uint64(seq+1), "10.0.0.5", base.Add(time.Duration(seq)*time.Millisecond)))
			results <- len(actions)
		}(i)
	}
	wg.Wait()
	close(results)

	blocks := 0
	for count := range results {
		blocks += count
	}
	assert.Equal(t, 1, blocks, "exactly one block transition regardless of concurrency")
}

func TestEngine_RecidivismEviction(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(testConfig(), testLogger())

	e.HandleEvidence(evidence(1, "10.0.0.5", base))

	// Quiet for longer than the retention window: state is forgotten.
	e.Sweep(base.Add(8 * 24 * time.Hour))
	_, ok := e.SourceState(model.IPIdentity("10.0.0.5"))
	assert.False(t, ok)
}

func TestEngine_BlockedSourceNeverEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDuration = 30 * 24 * time.Hour
	cfg.EscalationCap = 60 * 24 * time.Hour
	e := NewEngine(cfg, testLogger())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.HandleEvidence(evidence(1, "10.0.0.5", base))
	e.HandleEvidence(evidence(2, "10.0.0.5", base.Add(time.Second)))
	e.HandleEvidence(evidence(3, "10.0.0.5", base.Add(2*time.Second)))

	// Retention has passed but the block is still active; the source stays.
	e.Sweep(base.Add(8 * 24 * time.Hour))
	state, ok := e.SourceState(model.IPIdentity("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, StateBlocked, state)
}

func TestEngine_Stats(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(testConfig(), testLogger())

	e.HandleEvidence(evidence(1, "10.0.0.1", base))
	for i := 0; i < 3; i++ {
		e.HandleEvidence(evidence(uint64(i+2), "10.0.0.2", base.Add(time.Duration(i)*time.Second)))
	}

	snap := e.Stats()
	assert.Equal(t, 1, snap.Watched)
	assert.Equal(t, 1, snap.Blocked)
	assert.Equal(t, 0, snap.Expired)
	assert.Equal(t, 2, snap.Total)
}
