package capture

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingIntake captures what makes it past validation.
type recordingIntake struct {
	network []model.NetworkEvent
	process []model.ProcessObservation
	files   []model.FileAccessEvent
}

func (r *recordingIntake) Network(ev model.NetworkEvent) error {
	r.network = append(r.network, ev)
	return nil
}

func (r *recordingIntake) Process(obs model.ProcessObservation) error {
	r.process = append(r.process, obs)
	return nil
}

func (r *recordingIntake) FileAccess(ev model.FileAccessEvent) error {
	r.files = append(r.files, ev)
	return nil
}

func newTestSubscriber(t *testing.T) (*Subscriber, *recordingIntake, *int) {
	t.Helper()
	intake := &recordingIntake{}
	rejected := 0
	sub, err := NewSubscriber(nil, "sovd.observe", intake, func() { rejected++ }, testLogger())
	require.NoError(t, err)
	return sub, intake, &rejected
}

func TestSubscriber_ValidNetworkEvent(t *testing.T) {
	sub, intake, rejected := newTestSubscriber(t)

	sub.handleNetwork(&nats.Msg{Data: []byte(`{
		"source": {"kind": "ip", "value": "10.0.0.5"},
		"dst_port": 443,
		"protocol": "tcp",
		"direction": "inbound",
		"timestamp": "2025-06-01T12:00:00Z"
	}`)})

	require.Len(t, intake.network, 1)
	assert.Equal(t, "10.0.0.5", intake.network[0].Source.Value)
	assert.Equal(t, 443, intake.network[0].DstPort)
	assert.Zero(t, *rejected)
}

func TestSubscriber_MalformedObservationsDiscarded(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{{`},
		{"missing source", `{"dst_port": 443, "protocol": "tcp", "direction": "inbound", "timestamp": "2025-06-01T12:00:00Z"}`},
		{"port out of range", `{"source": {"kind": "ip", "value": "10.0.0.5"}, "dst_port": 70000, "protocol": "tcp", "direction": "inbound", "timestamp": "2025-06-01T12:00:00Z"}`},
		{"bad direction", `{"source": {"kind": "ip", "value": "10.0.0.5"}, "dst_port": 443, "protocol": "tcp", "direction": "sideways", "timestamp": "2025-06-01T12:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, intake, rejected := newTestSubscriber(t)
			sub.handleNetwork(&nats.Msg{Data: []byte(tt.data)})
			assert.Empty(t, intake.network, "malformed input must not reach the pipeline")
			assert.Equal(t, 1, *rejected)
		})
	}
}

func TestSubscriber_ValidProcessObservation(t *testing.T) {
	sub, intake, rejected := newTestSubscriber(t)

	sub.handleProcess(&nats.Msg{Data: []byte(`{
		"pid": 4242,
		"exe_path": "/usr/bin/nmap",
		"parent_pid": 1,
		"cpu_percent": 12.5,
		"memory_percent": 3.2,
		"net_connections": 7,
		"timestamp": "2025-06-01T12:00:00Z"
	}`)})

	require.Len(t, intake.process, 1)
	assert.Equal(t, 4242, intake.process[0].PID)
	assert.Zero(t, *rejected)
}

func TestSubscriber_ProcessNegativePIDDiscarded(t *testing.T) {
	sub, intake, rejected := newTestSubscriber(t)

	sub.handleProcess(&nats.Msg{Data: []byte(`{
		"pid": -1,
		"exe_path": "/usr/bin/nmap",
		"cpu_percent": 1,
		"memory_percent": 1,
		"net_connections": 0,
		"timestamp": "2025-06-01T12:00:00Z"
	}`)})

	assert.Empty(t, intake.process)
	assert.Equal(t, 1, *rejected)
}

func TestSubscriber_ValidFileAccessEvent(t *testing.T) {
	sub, intake, rejected := newTestSubscriber(t)

	sub.handleFile(&nats.Msg{Data: []byte(`{
		"path": "/etc/shadow",
		"pid": 999,
		"access": "read",
		"timestamp": "2025-06-01T12:00:00Z"
	}`)})

	require.Len(t, intake.files, 1)
	assert.Equal(t, model.AccessRead, intake.files[0].Access)
	assert.Zero(t, *rejected)
}

func TestSubscriber_UnknownAccessKindDiscarded(t *testing.T) {
	sub, intake, rejected := newTestSubscriber(t)

	sub.handleFile(&nats.Msg{Data: []byte(`{
		"path": "/etc/shadow",
		"access": "peek",
		"timestamp": "2025-06-01T12:00:00Z"
	}`)})

	assert.Empty(t, intake.files)
	assert.Equal(t, 1, *rejected)
}
