package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// MatchKind selects how a sensitive-path rule pattern is compared.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
	MatchGlob   MatchKind = "glob"
)

// FileRule maps a sensitive path pattern to the minimum severity of each
// access kind. Access kinds absent from the map do not produce events.
type FileRule struct {
	Pattern    string                             `yaml:"pattern"`
	Match      MatchKind                          `yaml:"match"`
	Severities map[model.AccessKind]model.Severity `yaml:"-"`
}

// fileRuleDoc is the on-disk shape of a rule, with string severities.
type fileRuleDoc struct {
	Pattern    string            `yaml:"pattern"`
	Match      string            `yaml:"match"`
	Severities map[string]string `yaml:"severities"`
}

type fileRulesDoc struct {
	Rules []fileRuleDoc `yaml:"rules"`
}

// LoadFileRules parses a YAML sensitivity-rule file.
func LoadFileRules(path string) ([]FileRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	var doc fileRulesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	rules := make([]FileRule, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		rule, err := compileFileRule(rd)
		if err != nil {
			return nil, fmt.Errorf("rule %d in %s: %w", i, path, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileFileRule(rd fileRuleDoc) (FileRule, error) {
	if rd.Pattern == "" {
		return FileRule{}, fmt.Errorf("empty pattern")
	}
	match := MatchKind(rd.Match)
	switch match {
	case MatchExact, MatchPrefix:
	case MatchGlob:
		if _, err := filepath.Match(rd.Pattern, ""); err != nil {
			return FileRule{}, fmt.Errorf("invalid glob pattern %q: %w", rd.Pattern, err)
		}
	case "":
		match = MatchExact
	default:
		return FileRule{}, fmt.Errorf("unknown match kind %q", rd.Match)
	}
	if len(rd.Severities) == 0 {
		return FileRule{}, fmt.Errorf("pattern %q has no severities", rd.Pattern)
	}

	severities := make(map[model.AccessKind]model.Severity, len(rd.Severities))
	for access, sevStr := range rd.Severities {
		kind := model.AccessKind(access)
		switch kind {
		case model.AccessRead, model.AccessWrite, model.AccessExecute, model.AccessDelete:
		default:
			return FileRule{}, fmt.Errorf("pattern %q: unknown access kind %q", rd.Pattern, access)
		}
		sev, err := model.ParseSeverity(sevStr)
		if err != nil {
			return FileRule{}, fmt.Errorf("pattern %q: %w", rd.Pattern, err)
		}
		severities[kind] = sev
	}
	return FileRule{Pattern: rd.Pattern, Match: match, Severities: severities}, nil
}

// DefaultFileRules covers the classic credential and user-document paths when
// no rules file is configured.
func DefaultFileRules() []FileRule {
	userDocs := map[model.AccessKind]model.Severity{
		model.AccessWrite:  model.SeverityMedium,
		model.AccessDelete: model.SeverityCritical,
	}
	return []FileRule{
		{
			Pattern: "/etc/shadow",
			Match:   MatchExact,
			Severities: map[model.AccessKind]model.Severity{
				model.AccessRead:   model.SeverityHigh,
				model.AccessWrite:  model.SeverityCritical,
				model.AccessDelete: model.SeverityCritical,
			},
		},
		{
			Pattern: "/etc/passwd",
			Match:   MatchExact,
			Severities: map[model.AccessKind]model.Severity{
				model.AccessWrite:  model.SeverityCritical,
				model.AccessDelete: model.SeverityCritical,
			},
		},
		{
			Pattern: "/etc/ssh/",
			Match:   MatchPrefix,
			Severities: map[model.AccessKind]model.Severity{
				model.AccessWrite:  model.SeverityHigh,
				model.AccessDelete: model.SeverityCritical,
			},
		},
		{Pattern: "/home/*/Documents/*", Match: MatchGlob, Severities: userDocs},
		{Pattern: "/home/*/Downloads/*", Match: MatchGlob, Severities: userDocs},
		{Pattern: "/home/*/Desktop/*", Match: MatchGlob, Severities: userDocs},
	}
}
