// Package monitor implements the progress monitor (C9): per-agent
// lifecycle and progress tracking, overall orchestration phase
// tracking, and a push-subscription interface for consumers that want
// live updates.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/toka/pkg/types"
)

// Phase is the overall orchestration's current stage (§4.9).
type Phase string

const (
	PhaseInitializing           Phase = "initializing"
	PhaseCriticalInfrastructure Phase = "critical_infrastructure"
	PhaseFoundationServices     Phase = "foundation_services"
	PhaseParallelDevelopment    Phase = "parallel_development"
	PhaseValidation             Phase = "validation"
	PhaseCompleted              Phase = "completed"
	PhaseFailed                 Phase = "failed"
)

// EventType discriminates the events the monitor emits.
type EventType string

const (
	EventAgentStateChanged EventType = "agent_state_changed"
	EventAgentCompleted    EventType = "agent_completed"
	EventAgentFailed       EventType = "agent_failed"
	EventPhaseChanged      EventType = "phase_changed"
)

// Event is a single push notification published to subscribers.
type Event struct {
	Type      EventType
	Agent     string
	OldState  types.AgentExecutionState
	NewState  types.AgentExecutionState
	OldPhase  Phase
	NewPhase  Phase
	Error     string
	Timestamp time.Time
}

// AgentProgress is the per-agent record tracked by the monitor.
type AgentProgress struct {
	Name           string
	State          types.AgentExecutionState
	Progress       float64
	LastUpdate     time.Time
	CompletedTasks int
	TotalTasks     int
	ActiveDuration time.Duration
	Error          string
}

// PhaseProgress is the current orchestration phase and its counters.
type PhaseProgress struct {
	CurrentPhase    Phase
	PhaseStart      time.Time
	AgentsInPhase   []string
	CompletedAgents []string
}

// Subscriber is a bounded channel a consumer reads progress Events
// from.
type Subscriber chan Event

// Monitor tracks agent and phase progress and fans events out to
// subscribers. The broadcast path mirrors the teacher's events.Broker:
// a bounded buffer per subscriber with a non-blocking, default-skip
// send, so a slow consumer drops the newest event rather than
// blocking progress tracking.
type Monitor struct {
	mu     sync.RWMutex
	agents map[string]*AgentProgress
	phase  PhaseProgress
	subs   map[Subscriber]bool
	subsMu sync.RWMutex
}

// New creates an empty Monitor in the Initializing phase.
func New() *Monitor {
	return &Monitor{
		agents: make(map[string]*AgentProgress),
		phase: PhaseProgress{
			CurrentPhase: PhaseInitializing,
			PhaseStart:   time.Now().UTC(),
		},
		subs: make(map[Subscriber]bool),
	}
}

// InitializeAgentTracking seeds a zeroed AgentProgress record for
// every agent configuration.
func (m *Monitor) InitializeAgentTracking(agents []types.AgentConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range agents {
		m.agents[a.Metadata.Name] = &AgentProgress{
			Name:       a.Metadata.Name,
			State:      types.StateInitializing,
			LastUpdate: time.Now().UTC(),
			TotalTasks: len(a.Tasks.Default),
		}
	}
}

// Subscribe registers a new bounded subscriber channel.
func (m *Monitor) Subscribe(buffer int) Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := make(Subscriber, buffer)
	m.subsMu.Lock()
	m.subs[sub] = true
	m.subsMu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Monitor) Unsubscribe(sub Subscriber) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.subs[sub] {
		delete(m.subs, sub)
		close(sub)
	}
}

func (m *Monitor) emit(e Event) {
	e.Timestamp = time.Now().UTC()
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for sub := range m.subs {
		select {
		case sub <- e:
		default:
		}
	}
}

// UpdateAgentState atomically swaps an agent's state and emits
// AgentStateChanged.
func (m *Monitor) UpdateAgentState(name string, newState types.AgentExecutionState) error {
	m.mu.Lock()
	p, ok := m.agents[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("monitor: agent not found: %s", name)
	}
	oldState := p.State
	p.State = newState
	p.LastUpdate = time.Now().UTC()
	m.mu.Unlock()

	m.emit(Event{Type: EventAgentStateChanged, Agent: name, OldState: oldState, NewState: newState})
	return nil
}

// UpdateAgentProgress clamps progress to [0,1]; if it reaches 1.0
// while the agent is executing, the agent also transitions to
// Completed and AgentCompleted is emitted.
func (m *Monitor) UpdateAgentProgress(name string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	m.mu.Lock()
	p, ok := m.agents[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("monitor: agent not found: %s", name)
	}
	p.Progress = progress
	p.LastUpdate = time.Now().UTC()

	completed := progress >= 1.0 && p.State == types.StateExecutingTask
	if completed {
		p.State = types.StateCompleted
	}
	m.mu.Unlock()

	if completed {
		m.emit(Event{Type: EventAgentCompleted, Agent: name})
	}
	return nil
}

// UpdatePhase transitions the orchestration phase, resetting
// per-phase counters, and emits PhaseChanged.
func (m *Monitor) UpdatePhase(newPhase Phase) {
	m.mu.Lock()
	oldPhase := m.phase.CurrentPhase
	m.phase = PhaseProgress{CurrentPhase: newPhase, PhaseStart: time.Now().UTC()}
	m.mu.Unlock()

	m.emit(Event{Type: EventPhaseChanged, OldPhase: oldPhase, NewPhase: newPhase})
}

// RecordTaskCompletion increments an agent's completed task counter
// and derives progress from it when the total is known.
func (m *Monitor) RecordTaskCompletion(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.agents[name]
	if !ok {
		return
	}
	p.CompletedTasks++
	p.LastUpdate = time.Now().UTC()
	if p.TotalTasks > 0 {
		p.Progress = float64(p.CompletedTasks) / float64(p.TotalTasks)
	}
}

// RecordTaskFailure marks an agent Failed with the given error.
func (m *Monitor) RecordTaskFailure(name string, cause error) {
	m.mu.Lock()
	p, ok := m.agents[name]
	if ok {
		p.State = types.StateFailed
		p.Error = cause.Error()
		p.LastUpdate = time.Now().UTC()
	}
	m.mu.Unlock()

	if ok {
		m.emit(Event{Type: EventAgentFailed, Agent: name, Error: cause.Error()})
	}
}

// AgentProgressFor returns a copy of one agent's progress record.
func (m *Monitor) AgentProgressFor(name string) (AgentProgress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.agents[name]
	if !ok {
		return AgentProgress{}, false
	}
	return *p, true
}

// AllAgentProgress returns a snapshot of every tracked agent's
// progress.
func (m *Monitor) AllAgentProgress() map[string]AgentProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]AgentProgress, len(m.agents))
	for name, p := range m.agents {
		out[name] = *p
	}
	return out
}

// PhaseProgressSnapshot returns the current phase record.
func (m *Monitor) PhaseProgressSnapshot() PhaseProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// OverallProgress is the arithmetic mean of every tracked agent's
// progress.
func (m *Monitor) OverallProgress() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.agents) == 0 {
		return 0
	}
	var total float64
	for _, p := range m.agents {
		total += p.Progress
	}
	return total / float64(len(m.agents))
}

// IsPhaseComplete reports whether every tracked agent has reached a
// terminal state. Agents are not grouped by phase: an agent tracked for
// a later phase keeps the current phase from reading as complete.
func (m *Monitor) IsPhaseComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.agents {
		if !p.State.Terminal() {
			return false
		}
	}
	return true
}
