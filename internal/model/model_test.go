package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity_JSONRoundTrip(t *testing.T) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		data, err := json.Marshal(sev)
		require.NoError(t, err)

		var decoded Severity
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, sev, decoded)
	}
}

func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SeverityLow < SeverityMedium)
	assert.True(t, SeverityMedium < SeverityHigh)
	assert.True(t, SeverityHigh < SeverityCritical)
}

func TestParseSeverity_Unknown(t *testing.T) {
	_, err := ParseSeverity("extreme")
	assert.Error(t, err)
}

func TestSourceIdentity_Keys(t *testing.T) {
	assert.Equal(t, "ip:10.0.0.5", IPIdentity("10.0.0.5").Key())
	assert.Equal(t, "process:4242", ProcessIdentity(4242).Key())
	assert.Equal(t, "path-owner:/etc/shadow", PathOwnerIdentity("/etc/shadow").Key())

	// Same observable, same key: identity is stable across event types.
	assert.Equal(t, IPIdentity("10.0.0.5"), IPIdentity("10.0.0.5"))
}

func TestNetworkEvent_Validate(t *testing.T) {
	valid := NetworkEvent{
		Source:    IPIdentity("10.0.0.5"),
		DstPort:   443,
		Protocol:  "tcp",
		Direction: DirectionInbound,
		Timestamp: time.Now(),
	}
	assert.NoError(t, valid.Validate())

	noSource := valid
	noSource.Source = SourceIdentity{}
	assert.Error(t, noSource.Validate())

	badPort := valid
	badPort.DstPort = 70000
	assert.Error(t, badPort.Validate())

	noTime := valid
	noTime.Timestamp = time.Time{}
	assert.Error(t, noTime.Validate())
}

func TestProcessObservation_Validate(t *testing.T) {
	valid := ProcessObservation{
		PID:       100,
		ExePath:   "/usr/bin/postgres",
		Timestamp: time.Now(),
	}
	assert.NoError(t, valid.Validate())

	badPID := valid
	badPID.PID = 0
	assert.Error(t, badPID.Validate())

	negative := valid
	negative.CPUPercent = -1
	assert.Error(t, negative.Validate())
}

func TestFileAccessEvent_Validate(t *testing.T) {
	valid := FileAccessEvent{
		Path:      "/etc/shadow",
		Access:    AccessRead,
		Timestamp: time.Now(),
	}
	assert.NoError(t, valid.Validate())

	badAccess := valid
	badAccess.Access = "peek"
	assert.Error(t, badAccess.Validate())
}

func TestNewSecurityEvent_AssignsUniqueIDs(t *testing.T) {
	a := NewSecurityEvent(KindPortScan, IPIdentity("10.0.0.5"), SeverityHigh, time.Now(), nil)
	b := NewSecurityEvent(KindPortScan, IPIdentity("10.0.0.5"), SeverityHigh, time.Now(), nil)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}
