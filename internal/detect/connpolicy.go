package detect

import (
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// ConnPolicy classifies connection attempts against a layered policy:
// explicit allow-list, explicit deny-list, then a default policy that flags
// inbound connections to ports outside the expected-services set.
//
// Evaluation is stateless per event apart from a short deduplication window
// that keeps one long-lived flagged connection from re-flagging on every
// observed packet.
type ConnPolicy struct {
	allow    map[string]struct{}
	deny     map[string]struct{}
	expected map[int]struct{}

	dedupe       *lru.Cache[string, time.Time]
	dedupeWindow time.Duration
	logger       *slog.Logger
}

// ConnPolicyConfig carries the policy lists and dedup sizing.
type ConnPolicyConfig struct {
	AllowList            []string
	DenyList             []string
	ExpectedServicePorts []int
	DedupeWindow         time.Duration
	DedupeCap            int
}

// NewConnPolicy builds the evaluator. The dedupe cache is LRU-bounded so a
// high-churn attacker cannot grow it without bound.
func NewConnPolicy(cfg ConnPolicyConfig, logger *slog.Logger) (*ConnPolicy, error) {
	cap := cfg.DedupeCap
	if cap <= 0 {
		cap = 65536
	}
	cache, err := lru.New[string, time.Time](cap)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	p := &ConnPolicy{
		allow:        make(map[string]struct{}, len(cfg.AllowList)),
		deny:         make(map[string]struct{}, len(cfg.DenyList)),
		expected:     make(map[int]struct{}, len(cfg.ExpectedServicePorts)),
		dedupe:       cache,
		dedupeWindow: cfg.DedupeWindow,
		logger:       logger,
	}
	for _, ip := range cfg.AllowList {
		p.allow[ip] = struct{}{}
	}
	for _, ip := range cfg.DenyList {
		p.deny[ip] = struct{}{}
	}
	for _, port := range cfg.ExpectedServicePorts {
		p.expected[port] = struct{}{}
	}
	return p, nil
}

// Evaluate classifies one network event. It returns an UnauthorizedConnection
// SecurityEvent for policy violations, nil otherwise.
func (p *ConnPolicy) Evaluate(ev model.NetworkEvent) *model.SecurityEvent {
	if _, ok := p.allow[ev.Source.Value]; ok {
		return nil
	}

	var sev model.Severity
	var reason string
	switch {
	case p.isDenied(ev.Source.Value):
		sev = model.SeverityCritical
		reason = "deny_list"
	case ev.Direction == model.DirectionInbound && !p.isExpectedPort(ev.DstPort):
		sev = model.SeverityMedium
		reason = "unexpected_service_port"
	default:
		return nil
	}

	if p.seenRecently(ev) {
		return nil
	}

	p.logger.Warn("unauthorized connection",
		"source", ev.Source.Key(),
		"dst_port", ev.DstPort,
		"direction", string(ev.Direction),
		"reason", reason)

	event := model.NewSecurityEvent(model.KindUnauthorizedConnection, ev.Source, sev, ev.Timestamp, map[string]any{
		"dst_port":  ev.DstPort,
		"protocol":  ev.Protocol,
		"direction": string(ev.Direction),
		"reason":    reason,
	})
	return &event
}

func (p *ConnPolicy) isDenied(ip string) bool {
	_, ok := p.deny[ip]
	return ok
}

func (p *ConnPolicy) isExpectedPort(port int) bool {
	_, ok := p.expected[port]
	return ok
}

// seenRecently records the connection tuple and reports whether the same
// tuple was already flagged within the dedup window.
func (p *ConnPolicy) seenRecently(ev model.NetworkEvent) bool {
	key := fmt.Sprintf("%s|%d|%s", ev.Source.Key(), ev.DstPort, ev.Direction)
	if last, ok := p.dedupe.Get(key); ok && ev.Timestamp.Sub(last) < p.dedupeWindow {
		return true
	}
	p.dedupe.Add(key, ev.Timestamp)
	return false
}
