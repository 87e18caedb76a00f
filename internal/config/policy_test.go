package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
allow:
  - 10.0.0.1
deny:
  - 203.0.113.7
  - 198.51.100.4
expected_ports:
  - 22
  - 8443
`), 0o640))

	doc, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, doc.Allow)
	assert.Equal(t, []string{"203.0.113.7", "198.51.100.4"}, doc.Deny)
	assert.Equal(t, []int{22, 8443}, doc.ExpectedPorts)
}

func TestLoadPolicy_PortOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("expected_ports:\n  - 70000\n"), 0o640))

	_, err := LoadPolicy(path)
	assert.Error(t, err)
}

func TestApplyPolicy_ExtendsEnvLists(t *testing.T) {
	cfg := &Config{
		ConnDenyList:         []string{"192.0.2.1"},
		ExpectedServicePorts: []int{22},
	}
	cfg.ApplyPolicy(PolicyDoc{
		Deny:          []string{"203.0.113.7"},
		ExpectedPorts: []int{443},
	})

	assert.Equal(t, []string{"192.0.2.1", "203.0.113.7"}, cfg.ConnDenyList)
	assert.Equal(t, []int{22, 443}, cfg.ExpectedServicePorts)
}
