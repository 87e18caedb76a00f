package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func TestLoadFileRules_Valid(t *testing.T) {
	path := writeRulesFile(t, `
rules:
  - pattern: /etc/shadow
    match: exact
    severities:
      read: high
      write: critical
  - pattern: /opt/secrets/
    match: prefix
    severities:
      read: medium
  - pattern: /home/*/.ssh/*
    match: glob
    severities:
      write: critical
`)

	rules, err := LoadFileRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, MatchExact, rules[0].Match)
	assert.Equal(t, model.SeverityHigh, rules[0].Severities[model.AccessRead])
	assert.Equal(t, model.SeverityCritical, rules[0].Severities[model.AccessWrite])
	assert.Equal(t, MatchPrefix, rules[1].Match)
	assert.Equal(t, MatchGlob, rules[2].Match)
}

func TestLoadFileRules_MatchDefaultsToExact(t *testing.T) {
	path := writeRulesFile(t, `
rules:
  - pattern: /etc/shadow
    severities:
      read: high
`)
	rules, err := LoadFileRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, MatchExact, rules[0].Match)
}

func TestLoadFileRules_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty pattern", "rules:\n  - pattern: \"\"\n    severities:\n      read: high\n"},
		{"no severities", "rules:\n  - pattern: /etc/shadow\n"},
		{"unknown severity", "rules:\n  - pattern: /etc/shadow\n    severities:\n      read: extreme\n"},
		{"unknown access kind", "rules:\n  - pattern: /etc/shadow\n    severities:\n      peek: high\n"},
		{"unknown match kind", "rules:\n  - pattern: /etc/shadow\n    match: regex\n    severities:\n      read: high\n"},
		{"invalid glob", "rules:\n  - pattern: \"[\"\n    match: glob\n    severities:\n      read: high\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRulesFile(t, tt.content)
			_, err := LoadFileRules(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadFileRules_MissingFile(t *testing.T) {
	_, err := LoadFileRules(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultFileRules_Compile(t *testing.T) {
	rules := DefaultFileRules()
	require.NotEmpty(t, rules)
	for _, rule := range rules {
		assert.NotEmpty(t, rule.Pattern)
		assert.NotEmpty(t, rule.Severities)
	}
}
