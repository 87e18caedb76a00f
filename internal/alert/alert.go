// Package alert is the boundary to external notification transports.
// Delivery is fire-and-forget: failures are logged, never fatal to the core.
package alert

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// Alert is one outbound notification about a detection or an enforcement
// decision.
type Alert struct {
	Kind      string                   `json:"kind"`
	Severity  model.Severity           `json:"severity"`
	Message   string                   `json:"message"`
	Event     *model.SecurityEvent     `json:"event,omitempty"`
	Action    *model.EnforcementAction `json:"action,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Sink delivers alerts to an external transport.
type Sink interface {
	Notify(alert Alert)
}

// NATSSink publishes alerts as JSON on a NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSSink creates the sink.
func NewNATSSink(nc *nats.Conn, subject string, logger *slog.Logger) *NATSSink {
	return &NATSSink{nc: nc, subject: subject, logger: logger}
}

// Notify implements Sink.
func (s *NATSSink) Notify(alert Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		s.logger.Error("failed to encode alert", "error", err)
		return
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		s.logger.Error("failed to publish alert", "error", err, "kind", alert.Kind)
	}
}

// LogSink writes alerts to the logger. Used as a fallback when no transport
// is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s *LogSink) Notify(alert Alert) {
	s.Logger.Warn("alert",
		"kind", alert.Kind,
		"severity", alert.Severity.String(),
		"message", alert.Message)
}

// Dispatcher decouples alert producers from a possibly slow sink through a
// bounded queue. On overflow the oldest pending alert is dropped and counted;
// ingestion is never backpressured by the alert boundary.
type Dispatcher struct {
	sink    Sink
	queue   chan Alert
	logger  *slog.Logger
	dropped func()

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given queue capacity. The
// onDrop callback (may be nil) is invoked for every dropped alert.
func NewDispatcher(sink Sink, capacity int, onDrop func(), logger *slog.Logger) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Alert, capacity),
		logger:  logger,
		dropped: onDrop,
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify implements Sink. It never blocks: when the queue is full, the
// oldest pending alert is discarded to make room.
func (d *Dispatcher) Notify(alert Alert) {
	for {
		select {
		case d.queue <- alert:
			return
		default:
		}
		select {
		case <-d.queue:
			d.dropped()
			d.logger.Warn("alert queue full, dropped oldest pending alert")
		default:
		}
	}
}

// Close drains pending alerts and stops the worker.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case alert := <-d.queue:
			d.sink.Notify(alert)
		case <-d.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case alert := <-d.queue:
					d.sink.Notify(alert)
				default:
					return
				}
			}
		}
	}
}
