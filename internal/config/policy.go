package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyDoc is the on-disk connection policy: address lists and the ports
// expected to serve inbound traffic. File entries extend what the environment
// provides.
type PolicyDoc struct {
	Allow         []string `yaml:"allow"`
	Deny          []string `yaml:"deny"`
	ExpectedPorts []int    `yaml:"expected_ports"`
}

// LoadPolicy parses a YAML connection-policy file.
func LoadPolicy(path string) (PolicyDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyDoc{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var doc PolicyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return PolicyDoc{}, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	for _, p := range doc.ExpectedPorts {
		if p < 0 || p > 65535 {
			return PolicyDoc{}, fmt.Errorf("policy file %s: expected port %d out of range", path, p)
		}
	}
	return doc, nil
}

// ApplyPolicy merges a loaded policy document into the configuration.
func (c *Config) ApplyPolicy(doc PolicyDoc) {
	c.ConnAllowList = append(c.ConnAllowList, doc.Allow...)
	c.ConnDenyList = append(c.ConnDenyList, doc.Deny...)
	c.ExpectedServicePorts = append(c.ExpectedServicePorts, doc.ExpectedPorts...)
}
