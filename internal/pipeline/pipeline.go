// Package pipeline wires observations through the detectors, the evidence
// ledger, and the decision engine.
//
// Observations for distinct sources run concurrently across a sharded worker
// pool; a single source's stream is always handled by the same worker, so its
// detector state is never mutated concurrently. Every classified event is
// committed to the ledger before the decision engine sees it
// (evidence-before-enforcement), and enforcement I/O is issued off the
// ingestion path so a slow firewall can never stall intake.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/alert"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/decision"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/detect"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/enforce"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/ledger"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/metrics"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// ErrClosed is returned by intake methods once the pipeline no longer
// accepts observations (shutdown or halted ledger).
var ErrClosed = errors.New("pipeline closed to new observations")

// Options carries the pipeline's collaborators and sizing.
type Options struct {
	Scan    *detect.ScanTracker
	Conn    *detect.ConnPolicy
	Proc    *detect.ProcMonitor
	File    *detect.FileMonitor
	Ledger  *ledger.Ledger
	Engine  *decision.Engine
	Gateway enforce.Gateway
	Alerts  alert.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	WorkerCount   int
	QueueCapacity int
	SweepInterval time.Duration
	ProcIdleEvict time.Duration
}

// observation is the tagged union flowing through worker queues. Exactly one
// pointer is set.
type observation struct {
	net  *model.NetworkEvent
	proc *model.ProcessObservation
	file *model.FileAccessEvent
}

// Pipeline is the detection-and-decision pipeline.
type Pipeline struct {
	opts Options

	queues   []chan observation
	eventCh  chan model.SecurityEvent
	actionCh chan model.EnforcementAction

	closed    atomic.Bool
	intakeMu  sync.RWMutex
	haltOnce  sync.Once
	workerWG  sync.WaitGroup
	writerWG  sync.WaitGroup
	issuerWG  sync.WaitGroup
	sweepDone chan struct{}
	sweepWG   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the pipeline. Call Start before submitting observations.
func New(opts Options) (*Pipeline, error) {
	if opts.WorkerCount < 1 {
		return nil, fmt.Errorf("worker count must be >= 1")
	}
	if opts.QueueCapacity < 1 {
		return nil, fmt.Errorf("queue capacity must be >= 1")
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.ProcIdleEvict <= 0 {
		opts.ProcIdleEvict = 10 * time.Minute
	}

	p := &Pipeline{
		opts:      opts,
		queues:    make([]chan observation, opts.WorkerCount),
		eventCh:   make(chan model.SecurityEvent, opts.QueueCapacity),
		actionCh:  make(chan model.EnforcementAction, opts.QueueCapacity),
		sweepDone: make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan observation, opts.QueueCapacity)
	}
	return p, nil
}

// Start launches the workers, the ledger writer, the enforcement issuer and
// the periodic sweep.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := range p.queues {
		p.workerWG.Add(1)
		go p.runWorker(p.queues[i])
	}

	p.writerWG.Add(1)
	go p.runLedgerWriter()

	p.issuerWG.Add(1)
	go p.runEnforcementIssuer()

	p.sweepWG.Add(1)
	go p.runSweeper()

	p.opts.Logger.Info("pipeline started",
		"workers", p.opts.WorkerCount,
		"queue_capacity", p.opts.QueueCapacity,
		"sweep_interval", p.opts.SweepInterval.String())
}

// Stop performs a graceful shutdown: intake closes, in-flight detector work
// drains, the ledger writer flushes, then enforcement issuing finishes. No
// partial evidence record is ever committed.
func (p *Pipeline) Stop() {
	p.closed.Store(true)

	close(p.sweepDone)
	p.sweepWG.Wait()

	// Exclusive lock waits out any intake call that raced the closed flag.
	p.intakeMu.Lock()
	for _, q := range p.queues {
		close(q)
	}
	p.intakeMu.Unlock()
	p.workerWG.Wait()

	close(p.eventCh)
	p.writerWG.Wait()

	close(p.actionCh)
	p.issuerWG.Wait()

	p.cancel()
	p.opts.Logger.Info("pipeline stopped")
}

// Network implements capture.Intake.
func (p *Pipeline) Network(ev model.NetworkEvent) error {
	return p.submit(ev.Source.Key(), observation{net: &ev}, "network")
}

// Process implements capture.Intake.
func (p *Pipeline) Process(obs model.ProcessObservation) error {
	key := model.ProcessIdentity(obs.PID).Key()
	return p.submit(key, observation{proc: &obs}, "process")
}

// FileAccess implements capture.Intake.
func (p *Pipeline) FileAccess(ev model.FileAccessEvent) error {
	key := model.PathOwnerIdentity(ev.Path).Key()
	if ev.PID > 0 {
		key = model.ProcessIdentity(ev.PID).Key()
	}
	return p.submit(key, observation{file: &ev}, "file")
}

// submit routes an observation to the worker owning its source. The send
// blocks when the queue is full: ingestion applies backpressure to the
// capture source instead of losing observations.
func (p *Pipeline) submit(key string, obs observation, kind string) error {
	p.intakeMu.RLock()
	defer p.intakeMu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	p.opts.Metrics.ObservationsTotal.WithLabelValues(kind).Inc()
	p.queues[p.shardIndex(key)] <- obs
	return nil
}

func (p *Pipeline) shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) runWorker(queue chan observation) {
	defer p.workerWG.Done()
	for obs := range queue {
		switch {
		case obs.net != nil:
			if ev := p.opts.Scan.Observe(*obs.net); ev != nil {
				p.emit(*ev)
			}
			if ev := p.opts.Conn.Evaluate(*obs.net); ev != nil {
				p.emit(*ev)
			}
		case obs.proc != nil:
			for _, ev := range p.opts.Proc.Observe(*obs.proc) {
				p.emit(ev)
			}
		case obs.file != nil:
			if ev := p.opts.File.Observe(*obs.file); ev != nil {
				p.emit(*ev)
			}
		}
	}
}

// emit hands a classified event to the single ledger writer. The send is
// blocking: evidence recording is never backpressured away.
func (p *Pipeline) emit(ev model.SecurityEvent) {
	p.opts.Metrics.SecurityEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	p.eventCh <- ev
}

// runLedgerWriter is the single serialized append path. Appends are totally
// ordered here to preserve the hash chain.
func (p *Pipeline) runLedgerWriter() {
	defer p.writerWG.Done()
	for ev := range p.eventCh {
		rec, err := p.opts.Ledger.Append(ev)
		if err != nil {
			if errors.Is(err, ledger.ErrHalted) {
				p.haltIngestion(err)
				p.opts.Logger.Error("evidence lost to halted ledger",
					"event_id", ev.ID, "kind", string(ev.Kind))
				continue
			}
			p.opts.Logger.Error("failed to append evidence", "error", err, "event_id", ev.ID)
			continue
		}
		p.opts.Metrics.EvidenceRecords.Inc()

		p.opts.Alerts.Notify(alert.Alert{
			Kind:      "security_event",
			Severity:  ev.Severity,
			Message:   fmt.Sprintf("%s from %s", ev.Kind, ev.Source.Key()),
			Event:     &ev,
			Timestamp: ev.Timestamp,
		})

		// The record is committed; only now may the decision engine act on it.
		for _, action := range p.opts.Engine.HandleEvidence(rec) {
			p.enqueueAction(action)
		}
	}
}

// haltIngestion closes intake after a fatal ledger failure and raises a
// critical alert exactly once. Committed records remain readable.
func (p *Pipeline) haltIngestion(err error) {
	p.haltOnce.Do(func() {
		p.closed.Store(true)
		p.opts.Metrics.LedgerHalted.Set(1)
		p.opts.Alerts.Notify(alert.Alert{
			Kind:      "ledger_halted",
			Severity:  model.SeverityCritical,
			Message:   fmt.Sprintf("evidence ledger halted, ingestion stopped: %v", err),
			Timestamp: time.Now().UTC(),
		})
	})
}

// enqueueAction never blocks the writer: on overflow the oldest pending
// enforcement notification is dropped and counted, per the backpressure
// policy for boundary queues.
func (p *Pipeline) enqueueAction(action model.EnforcementAction) {
	for {
		select {
		case p.actionCh <- action:
			return
		default:
		}
		select {
		case <-p.actionCh:
			p.opts.Metrics.EnforcementDropped.Inc()
			p.opts.Logger.Warn("enforcement queue full, dropped oldest pending action")
		default:
		}
	}
}

// runEnforcementIssuer performs the fallible, potentially slow gateway I/O.
// A failure surfaces an alert but never rolls back the recorded transition.
func (p *Pipeline) runEnforcementIssuer() {
	defer p.issuerWG.Done()
	for action := range p.actionCh {
		var err error
		switch action.Type {
		case model.ActionBlock:
			err = p.opts.Gateway.Block(p.ctx, action.Source, action.Duration)
			if err == nil {
				p.opts.Metrics.BlocksIssued.Inc()
			}
		case model.ActionUnblock:
			err = p.opts.Gateway.Unblock(p.ctx, action.Source)
			if err == nil {
				p.opts.Metrics.UnblocksIssued.Inc()
			}
		}

		if err != nil {
			p.opts.Metrics.EnforcementFailures.Inc()
			p.opts.Logger.Error("enforcement call failed after retries",
				"type", string(action.Type), "source", action.Source.Key(), "error", err)
			p.opts.Alerts.Notify(alert.Alert{
				Kind:      "enforcement_failure",
				Severity:  model.SeverityHigh,
				Message:   fmt.Sprintf("%s of %s pending retry: %v", action.Type, action.Source.Key(), err),
				Action:    &action,
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		p.opts.Alerts.Notify(alert.Alert{
			Kind:      "enforcement_action",
			Severity:  model.SeverityHigh,
			Message:   fmt.Sprintf("%s %s for %s", action.Type, action.Source.Key(), action.Duration),
			Action:    &action,
			Timestamp: action.Timestamp,
		})
		p.opts.Metrics.ActiveBlocks.Set(float64(p.opts.Engine.Stats().Blocked))
	}
}

// runSweeper drives window eviction and block expiry off one periodic tick
// instead of one timer per entry.
func (p *Pipeline) runSweeper() {
	defer p.sweepWG.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepDone:
			return
		case now := <-ticker.C:
			for _, action := range p.opts.Engine.Sweep(now) {
				p.enqueueAction(action)
			}
			p.opts.Scan.Sweep(now)
			p.opts.Proc.Sweep(now, p.opts.ProcIdleEvict)
			stats := p.opts.Engine.Stats()
			p.opts.Metrics.ActiveBlocks.Set(float64(stats.Blocked))
			p.opts.Metrics.TrackedSources.Set(float64(stats.Total))
		}
	}
}
