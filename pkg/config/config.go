// Package config holds the plain bootstrap configuration struct for a
// toka node (§10.3). There is no file-format parser in scope beyond a
// thin YAML loader: callers can also construct Config directly,
// matching the teacher's manager.Config{NodeID, BindAddr, DataDir}.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/toka/pkg/types"
)

// Config is the top-level bootstrap configuration for one node.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	// InitialReserve seeds the ledger's reserve account balance (§9).
	// Required: a zero value is a valid reserve, so LoadFile cannot
	// distinguish "unset" from "zero" and does not default it.
	InitialReserve int64 `yaml:"initial_reserve"`

	AgentStartupTimeout time.Duration `yaml:"agent_startup_timeout"`
	PhaseTimeout        time.Duration `yaml:"phase_timeout"`

	// JoinToken/LeaderAddr are set when this node is joining an
	// existing cluster rather than bootstrapping a new one, reusing
	// the teacher's token-based join flow (pkg/cluster's TokenManager).
	JoinToken  string `yaml:"join_token,omitempty"`
	LeaderAddr string `yaml:"leader_addr,omitempty"`
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: node_id is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: data_dir is required")
	}
	return &cfg, nil
}

// LoadAgents reads a YAML file containing a list of agent
// configurations, the input to an orchestration session (§4.11).
func LoadAgents(path string) ([]types.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var agents []types.AgentConfig
	if err := yaml.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("config: %s declares no agents", path)
	}
	return agents, nil
}
