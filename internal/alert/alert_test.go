package alert

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

// recordingSink captures delivered alerts; an optional gate blocks delivery
// so tests can force queue pressure deterministically.
type recordingSink struct {
	mu       sync.Mutex
	alerts   []Alert
	gate     chan struct{}
	entered  chan struct{}
	enterOne sync.Once
}

func (s *recordingSink) Notify(a Alert) {
	if s.entered != nil {
		s.enterOne.Do(func() { close(s.entered) })
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *recordingSink) delivered() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func testAlert(kind string) Alert {
	return Alert{
		Kind:      kind,
		Severity:  model.SeverityHigh,
		Message:   "test",
		Timestamp: time.Now().UTC(),
	}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 16, nil, testLogger())

	d.Notify(testAlert("first"))
	d.Notify(testAlert("second"))
	d.Notify(testAlert("third"))
	d.Close()

	delivered := sink.delivered()
	require.Len(t, delivered, 3)
	assert.Equal(t, "first", delivered[0].Kind)
	assert.Equal(t, "second", delivered[1].Kind)
	assert.Equal(t, "third", delivered[2].Kind)
}

func TestDispatcher_DropsOldestOnOverflow(t *testing.T) {
	sink := &recordingSink{
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	dropped := 0
	var mu sync.Mutex
	d := NewDispatcher(sink, 1, func() {
		mu.Lock()
		dropped++
		mu.Unlock()
	}, testLogger())

	// First alert is picked up by the worker and parks in the slow sink.
	d.Notify(testAlert("in-flight"))
	<-sink.entered

	// Queue capacity is one: the second queues, the third evicts it.
	d.Notify(testAlert("evicted"))
	d.Notify(testAlert("kept"))

	close(sink.gate)
	d.Close()

	delivered := sink.delivered()
	require.Len(t, delivered, 2)
	assert.Equal(t, "in-flight", delivered[0].Kind)
	assert.Equal(t, "kept", delivered[1].Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dropped)
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 16, nil, testLogger())

	for i := 0; i < 10; i++ {
		d.Notify(testAlert("queued"))
	}
	d.Close()

	assert.Len(t, sink.delivered(), 10)

	// Close is idempotent.
	d.Close()
}

func TestLogSink_DoesNotPanicWithoutTransport(t *testing.T) {
	sink := &LogSink{Logger: testLogger()}
	assert.NotPanics(t, func() {
		sink.Notify(testAlert("logged"))
	})
}
