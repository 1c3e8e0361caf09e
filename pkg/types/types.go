// Package types holds the plain data types shared across the platform:
// agent configuration, runtime state, and the small enums that describe
// them. Storage, event, and ledger records live in their own packages
// next to the code that owns them.
package types

import "time"

// AgentPriority controls tie-break ordering in the dependency resolver
// and the priority-to-phase mapping in the orchestration engine.
type AgentPriority string

const (
	PriorityCritical AgentPriority = "critical"
	PriorityHigh     AgentPriority = "high"
	PriorityMedium   AgentPriority = "medium"
	PriorityLow      AgentPriority = "low"
)

// Rank returns the ascending tie-break rank used by the dependency
// resolver: lower ranks are scheduled first among simultaneously
// eligible agents.
func (p AgentPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// AgentMetadata identifies an agent configuration independent of what it does.
type AgentMetadata struct {
	Name       string
	Version    string
	Created    string
	Workstream string
	Branch     string
}

// AgentSpec names the agent's domain and scheduling priority.
type AgentSpec struct {
	Name     string
	Domain   string
	Priority AgentPriority
}

// AgentCapabilities lists the primary and secondary capabilities an agent
// exercises; these are distinct from the security capability set below,
// which scopes what the agent is *allowed* to do.
type AgentCapabilities struct {
	Primary   []string
	Secondary []string
}

// AgentTasks lists the default tasks an agent runs when spawned.
type AgentTasks struct {
	Default []string
}

// AgentDependencies names required and optional predecessor agents by
// name, with a human-readable reason for the dependency.
type AgentDependencies struct {
	Required map[string]string
	Optional map[string]string
}

// ReportingFrequency controls how often an agent is expected to report progress.
type ReportingFrequency string

const (
	ReportingRealtime ReportingFrequency = "realtime"
	ReportingHourly   ReportingFrequency = "hourly"
	ReportingDaily    ReportingFrequency = "daily"
)

// ReportingConfig describes how an agent surfaces progress.
type ReportingConfig struct {
	Frequency ReportingFrequency
	Channels  []string
}

// ResourceLimits bounds an agent executor's resource consumption. Values
// are free-form strings (e.g. "512MB", "50%", "5m") the same way the
// source agent configuration format expresses them; the process manager
// parses the timeout and enforces it as a wall-clock deadline.
type ResourceLimits struct {
	MaxMemory string
	MaxCPU    string
	Timeout   string
}

// SecurityConfig is the capability-scoped security envelope a spawned
// agent executor runs under (§4.10).
type SecurityConfig struct {
	Sandbox              bool
	CapabilitiesRequired []string
	ResourceLimits       ResourceLimits
}

// AgentConfig is the declarative record describing one agent (§3).
type AgentConfig struct {
	Metadata     AgentMetadata
	Spec         AgentSpec
	Capabilities AgentCapabilities
	Objectives   []string
	Tasks        AgentTasks
	Dependencies AgentDependencies
	Reporting    ReportingConfig
	Security     SecurityConfig
}

// AgentExecutionState is the closed sum type describing an agent's lifecycle.
type AgentExecutionState string

const (
	StateInitializing  AgentExecutionState = "initializing"
	StateReady         AgentExecutionState = "ready"
	StateExecutingTask AgentExecutionState = "executing_task"
	StatePaused        AgentExecutionState = "paused"
	StateCompleted     AgentExecutionState = "completed"
	StateFailed        AgentExecutionState = "failed"
	StateTerminated    AgentExecutionState = "terminated"
)

// Terminal reports whether the state is one of the three terminal states
// a completed agent lifecycle must end in (§8).
func (s AgentExecutionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTerminated:
		return true
	default:
		return false
	}
}

// AgentRuntimeState is the process manager's view of one running agent.
type AgentRuntimeState struct {
	AgentID      string
	Config       AgentConfig
	State        AgentExecutionState
	StartedAt    time.Time
	LastActivity time.Time
	Environment  map[string]string
	TaskID       string // set when State == StateExecutingTask
	FailureError string // set when State == StateFailed
	Reason       string // set when State == StateTerminated
}
