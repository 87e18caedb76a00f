package detect

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/config"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// FileMonitor matches file-access observations against the sensitivity rule
// set. Unmatched paths produce no event at all; only rule hits reach the
// pipeline, which bounds ledger growth.
type FileMonitor struct {
	rules  []config.FileRule
	logger *slog.Logger
}

// NewFileMonitor builds the monitor over a compiled rule set.
func NewFileMonitor(rules []config.FileRule, logger *slog.Logger) *FileMonitor {
	return &FileMonitor{rules: rules, logger: logger}
}

// Observe evaluates one file access event. On a rule hit it returns a
// SensitiveFileAccess SecurityEvent carrying the best-matching rule's
// severity for the access kind; otherwise nil.
func (m *FileMonitor) Observe(ev model.FileAccessEvent) *model.SecurityEvent {
	var (
		matched  bool
		pattern  string
		severity model.Severity
	)
	for _, rule := range m.rules {
		if !ruleMatchesPath(rule, ev.Path) {
			continue
		}
		sev, ok := rule.Severities[ev.Access]
		if !ok {
			continue
		}
		// Several rules can match one path; the most severe wins.
		if !matched || sev > severity {
			matched = true
			pattern = rule.Pattern
			severity = sev
		}
	}
	if !matched {
		return nil
	}

	source := model.PathOwnerIdentity(ev.Path)
	if ev.PID > 0 {
		source = model.ProcessIdentity(ev.PID)
	}

	m.logger.Warn("sensitive file access",
		"path", ev.Path,
		"access", string(ev.Access),
		"pid", ev.PID,
		"rule", pattern,
		"severity", severity.String())

	event := model.NewSecurityEvent(model.KindSensitiveFileAccess, source, severity, ev.Timestamp, map[string]any{
		"path":   ev.Path,
		"access": string(ev.Access),
		"pid":    ev.PID,
		"rule":   pattern,
	})
	return &event
}

func ruleMatchesPath(rule config.FileRule, path string) bool {
	switch rule.Match {
	case config.MatchExact:
		return path == rule.Pattern
	case config.MatchPrefix:
		return strings.HasPrefix(path, rule.Pattern)
	case config.MatchGlob:
		matched, err := filepath.Match(rule.Pattern, path)
		return err == nil && matched
	default:
		return false
	}
}
