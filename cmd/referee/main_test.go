package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withMockServer(t *testing.T) *int {
	t.Helper()
	calls := 0
	orig := startServer
	startServer = func(stdout, stderr io.Writer) int {
		calls++
		return 0
	}
	t.Cleanup(func() { startServer = orig })
	return &calls
}

func TestRunDefaultsToServer(t *testing.T) {
	calls := withMockServer(t)
	code := Run([]string{"referee"}, io.Discard, io.Discard)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, *calls)
}

func TestRunServeCommand(t *testing.T) {
	calls := withMockServer(t)
	code := Run([]string{"referee", "serve"}, io.Discard, io.Discard)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, *calls)
}

func TestRunUnknownCommand(t *testing.T) {
	calls := withMockServer(t)
	var stderr bytes.Buffer
	code := Run([]string{"referee", "bogus"}, io.Discard, &stderr)
	assert.Equal(t, 2, code)
	assert.Zero(t, *calls)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestRunHelp(t *testing.T) {
	var stdout bytes.Buffer
	code := Run([]string{"referee", "help"}, &stdout, io.Discard)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "ghost")
}

const testGraph = `
name: outreach
steps:
  - id: lookup
    name: look up contact
    intent:
      type: crm.read
      resource: contact:7
      action: read
      author: agent-1
      scope: read
      ttl_s: 30
    estimated_cost: 0.5
  - id: send
    name: send email
    intent:
      type: contact.email
      resource: contact:7/email
      action: send
      author: agent-1
      scope: write
      ttl_s: 60
    estimated_cost: 1.0
    depends_on: [lookup]
`

func TestGhostCommandJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testGraph), 0o644))

	var stdout bytes.Buffer
	code := runGhostCmd([]string{"--graph", path, "--budget", "5", "--json"}, &stdout, io.Discard)
	assert.Equal(t, 0, code)

	var report map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, float64(2), report["total_steps"])
	assert.Equal(t, 1.5, report["total_cost"])
}

func TestGhostCommandText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testGraph), 0o644))

	var stdout bytes.Buffer
	code := runGhostCmd([]string{"--graph", path}, &stdout, io.Discard)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "outreach")
}

func TestGhostCommandRequiresGraph(t *testing.T) {
	var stderr bytes.Buffer
	code := runGhostCmd(nil, io.Discard, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--graph is required")
}

func TestPolicyCommand(t *testing.T) {
	doc := `
version: "1.1.0"
frequency_caps:
  contact.email:
    window_hours: 48
    max_count: 1
limits:
  replan_limit: 2
  max_hold_ttl: 3600
  default_hold_ttl: 120
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	var stdout bytes.Buffer
	code := runPolicyCmd([]string{"--file", path}, &stdout, io.Discard)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "version=1.1.0")
}

func TestPolicyCommandRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: [broken"), 0o644))

	var stderr bytes.Buffer
	code := runPolicyCmd([]string{"--file", path}, io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Policy invalid")
}
