package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileRequiresNodeIDAndDataDir(t *testing.T) {
	dir := t.TempDir()

	path := writeFile(t, dir, "missing-node-id.yaml", "data_dir: /tmp/data\n")
	_, err := LoadFile(path)
	require.Error(t, err)

	path = writeFile(t, dir, "missing-data-dir.yaml", "node_id: node-1\n")
	_, err = LoadFile(path)
	require.Error(t, err)
}

func TestLoadFileParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
node_id: node-1
bind_addr: 127.0.0.1:7000
data_dir: /var/lib/toka
initial_reserve: 1000000
agent_startup_timeout: 30s
phase_timeout: 15m
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "node-1", cfg.NodeID)
	require.Equal(t, "127.0.0.1:7000", cfg.BindAddr)
	require.Equal(t, "/var/lib/toka", cfg.DataDir)
	require.EqualValues(t, 1000000, cfg.InitialReserve)
}

func TestLoadAgentsRejectsEmptyList(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agents.yaml", "[]\n")

	_, err := LoadAgents(path)
	require.Error(t, err)
}

func TestLoadAgentsParsesList(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agents.yaml", `
- metadata:
    name: infra-agent
  spec:
    name: infra-agent
    priority: critical
  tasks:
    default: ["provision"]
- metadata:
    name: app-agent
  spec:
    name: app-agent
    priority: high
  dependencies:
    required:
      infra-agent: needs infra before starting
`)

	agents, err := LoadAgents(path)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "infra-agent", agents[0].Metadata.Name)
	require.Equal(t, "app-agent", agents[1].Metadata.Name)
	require.Contains(t, agents[1].Dependencies.Required, "infra-agent")
}
