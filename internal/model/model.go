package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Severity is an ordered severity scale for security events.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the wire representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity string. Unknown values return an error.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalJSON encodes the severity as its string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity from its string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	sev, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// SourceKind distinguishes the namespace a source identity lives in.
type SourceKind string

const (
	SourceIP        SourceKind = "ip"
	SourceProcess   SourceKind = "process"
	SourcePathOwner SourceKind = "path-owner"
)

// SourceIdentity is the key under which all per-source detection and
// enforcement state is tracked. It is immutable once created.
type SourceIdentity struct {
	Kind  SourceKind `json:"kind"`
	Value string     `json:"value"`
}

// IPIdentity returns the identity for a remote IP address.
func IPIdentity(ip string) SourceIdentity {
	return SourceIdentity{Kind: SourceIP, Value: ip}
}

// ProcessIdentity returns the identity for a local process.
func ProcessIdentity(pid int) SourceIdentity {
	return SourceIdentity{Kind: SourceProcess, Value: strconv.Itoa(pid)}
}

// PathOwnerIdentity returns the identity for the owner of a file path.
func PathOwnerIdentity(path string) SourceIdentity {
	return SourceIdentity{Kind: SourcePathOwner, Value: path}
}

// Key returns a stable map key for the identity.
func (s SourceIdentity) Key() string {
	return string(s.Kind) + ":" + s.Value
}

// IsZero reports whether the identity is empty.
func (s SourceIdentity) IsZero() bool {
	return s.Value == ""
}

// Direction of a network event relative to the protected host.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// NetworkEvent is a single observed connection attempt or packet summary
// delivered by the capture source. Read-only downstream.
type NetworkEvent struct {
	Source    SourceIdentity `json:"source"`
	DstPort   int            `json:"dst_port"`
	Protocol  string         `json:"protocol"`
	Direction Direction      `json:"direction"`
	Timestamp time.Time      `json:"timestamp"`
}

// Validate rejects malformed network events before they enter the pipeline.
func (e NetworkEvent) Validate() error {
	if e.Source.IsZero() {
		return fmt.Errorf("network event: empty source")
	}
	if e.DstPort < 0 || e.DstPort > 65535 {
		return fmt.Errorf("network event: destination port %d out of range", e.DstPort)
	}
	if e.Timestamp.IsZero() || e.Timestamp.Unix() < 0 {
		return fmt.Errorf("network event: invalid timestamp")
	}
	return nil
}

// ProcessObservation is a snapshot of a running process taken by the capture
// source. The monitor keeps only snapshot history, never a live handle.
type ProcessObservation struct {
	PID            int       `json:"pid"`
	ExePath        string    `json:"exe_path"`
	ParentPID      int       `json:"parent_pid"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	NetConnections int       `json:"net_connections"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate rejects malformed process observations.
func (o ProcessObservation) Validate() error {
	if o.PID <= 0 {
		return fmt.Errorf("process observation: invalid pid %d", o.PID)
	}
	if o.ExePath == "" {
		return fmt.Errorf("process observation: empty executable path")
	}
	if o.CPUPercent < 0 || o.MemoryPercent < 0 || o.NetConnections < 0 {
		return fmt.Errorf("process observation: negative footprint values")
	}
	if o.Timestamp.IsZero() || o.Timestamp.Unix() < 0 {
		return fmt.Errorf("process observation: invalid timestamp")
	}
	return nil
}

// AccessKind classifies a file access.
type AccessKind string

const (
	AccessRead    AccessKind = "read"
	AccessWrite   AccessKind = "write"
	AccessExecute AccessKind = "execute"
	AccessDelete  AccessKind = "delete"
)

// FileAccessEvent is a file-system observation delivered by the capture source.
type FileAccessEvent struct {
	Path      string     `json:"path"`
	PID       int        `json:"pid"`
	Access    AccessKind `json:"access"`
	Timestamp time.Time  `json:"timestamp"`
}

// Validate rejects malformed file access events.
func (e FileAccessEvent) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("file access event: empty path")
	}
	switch e.Access {
	case AccessRead, AccessWrite, AccessExecute, AccessDelete:
	default:
		return fmt.Errorf("file access event: unknown access kind %q", e.Access)
	}
	if e.Timestamp.IsZero() || e.Timestamp.Unix() < 0 {
		return fmt.Errorf("file access event: invalid timestamp")
	}
	return nil
}

// EventKind identifies the classification a detector assigned.
type EventKind string

const (
	KindPortScan               EventKind = "port_scan"
	KindUnauthorizedConnection EventKind = "unauthorized_connection"
	KindProcessAnomaly         EventKind = "process_anomaly"
	KindSensitiveFileAccess    EventKind = "sensitive_file_access"
)

// SecurityEvent is the unifying classified output of the detectors.
// Immutable after creation; created exclusively by detectors.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Source    SourceIdentity `json:"source"`
	Severity  Severity       `json:"severity"`
	Evidence  map[string]any `json:"evidence"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewSecurityEvent builds a classified event with a fresh ID.
func NewSecurityEvent(kind EventKind, source SourceIdentity, severity Severity, ts time.Time, evidence map[string]any) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Severity:  severity,
		Evidence:  evidence,
		Timestamp: ts,
	}
}

// EvidenceRecord is an immutable, hash-chained ledger entry wrapping a
// SecurityEvent. Owned exclusively by the evidence ledger.
type EvidenceRecord struct {
	Sequence uint64        `json:"sequence"`
	Event    SecurityEvent `json:"event"`
	PrevHash string        `json:"prev_hash"`
	Hash     string        `json:"hash"`
}

// ActionType is the kind of enforcement directive.
type ActionType string

const (
	ActionBlock   ActionType = "block"
	ActionUnblock ActionType = "unblock"
)

// EnforcementAction is a directive issued by the decision engine toward the
// enforcement gateway.
type EnforcementAction struct {
	Type         ActionType     `json:"type"`
	Source       SourceIdentity `json:"source"`
	Duration     time.Duration  `json:"duration,omitempty"`
	Reason       string         `json:"reason"`
	EvidenceFrom uint64         `json:"evidence_from"`
	EvidenceTo   uint64         `json:"evidence_to"`
	Timestamp    time.Time      `json:"timestamp"`
}

// BlockRule is a time-bounded enforcement directive produced by the decision
// engine and realized by the enforcement gateway. It expires automatically.
type BlockRule struct {
	Source       SourceIdentity `json:"source"`
	Duration     time.Duration  `json:"duration"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Reason       string         `json:"reason"`
	EvidenceFrom uint64         `json:"evidence_from"`
	EvidenceTo   uint64         `json:"evidence_to"`
}
