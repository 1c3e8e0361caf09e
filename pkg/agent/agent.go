// Package agent implements the agent process manager (C10): it owns
// the lifecycle of every spawned agent executor, from start through
// pause/resume to stop, enforces the security envelope each executor
// runs under, and periodically reclassifies finished executors as
// completed or failed. The lifecycle shape (ticker-driven monitoring,
// a stop channel per managed unit, a mutex-guarded map keyed by ID)
// follows the teacher's worker package; the state machine itself
// mirrors the agent runtime's process manager.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/toka/pkg/log"
	"github.com/cuemby/toka/pkg/monitor"
	"github.com/cuemby/toka/pkg/security"
	"github.com/cuemby/toka/pkg/types"
)

// AgentStartupTimeout bounds how long StartAgent waits for a freshly
// spawned executor to reach Ready or ExecutingTask before giving up
// and reporting ExecutionFailed (§4.10, §5).
const AgentStartupTimeout = 30 * time.Second

// AgentStopGrace bounds how long StopAgent waits for a cooperative
// Terminate to let the executor's goroutine exit before the process
// manager stops waiting and reaps it anyway (§5).
const AgentStopGrace = 10 * time.Second

// startupPollInterval is how often StartAgent polls executor state
// while waiting for readiness.
const startupPollInterval = 100 * time.Millisecond

// Executor is the narrow interface a caller-supplied agent task must
// implement. The process manager knows nothing about what an executor
// actually does (drive an LLM, run a script, proxy to another
// service) — it only drives the lifecycle and security envelope
// around it.
type Executor interface {
	// Run drives the agent to completion or until ctx is canceled. It
	// must transition through State() as it progresses and return when
	// done, one way or another.
	Run(ctx context.Context) error
	// Pause asks a running executor to suspend; it is a no-op error for
	// an executor that cannot pause mid-task.
	Pause() error
	// Resume reverses a prior Pause.
	Resume() error
	// Terminate asks the executor to stop cooperatively, with a reason
	// surfaced to it for logging/cleanup. Terminate does not block for
	// Run to return; the caller separately cancels ctx and waits.
	Terminate(reason string) error
	// State reports the executor's current lifecycle state.
	State() types.AgentExecutionState
}

// Factory constructs an Executor for one agent invocation. The
// delegated capability token has already been issued and validated by
// the time Factory is called. decryptedEnv is the map returned by the
// manager's environment step: nil when no SecretsManager is configured,
// otherwise an empty map; no sealed secrets are decrypted into it.
type Factory func(config types.AgentConfig, agentID string, token string, decryptedEnv map[string]string) (Executor, error)

// ExecutionFailedError reports that an agent failed to reach a usable
// state during StartAgent, either because the executor itself failed
// or because it never became ready within AgentStartupTimeout.
type ExecutionFailedError struct {
	AgentID string
	Reason  string
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("agent: %s failed to start: %s", e.AgentID, e.Reason)
}

// RuntimeStats is a live snapshot of the process manager's fleet.
type RuntimeStats struct {
	ActiveAgents    int
	CompletedAgents int
	FailedAgents    int
	StartTime       time.Time
	Uptime          time.Duration
}

// Info is the externally visible record of one managed agent,
// equivalent to the Rust runtime's AgentProcessInfo.
type Info struct {
	AgentID   string
	Config    types.AgentConfig
	StartedAt time.Time
	Uptime    time.Duration
	State     types.AgentExecutionState
}

type process struct {
	agentID   string
	config    types.AgentConfig
	executor  Executor
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	startedAt time.Time
	token     string
}

// ProcessManager owns every spawned agent executor and its security
// envelope (§4.10). It is safe for concurrent use.
type ProcessManager struct {
	factory    Factory
	capManager *security.CapabilityManager
	signingKey []byte
	secrets    *security.SecretsManager
	mon        *monitor.Monitor

	mu       sync.Mutex
	agents   map[string]*process
	vault    string
	stopCh   chan struct{}
	stopOnce sync.Once

	statsMu         sync.Mutex
	completedAgents int
	failedAgents    int
	startTime       time.Time
}

// New creates a ProcessManager. secrets may be nil when no agent
// configuration carries sealed environment secrets; mon may be nil
// when the caller does not want lifecycle events pushed into the
// progress monitor (C9).
func New(factory Factory, capManager *security.CapabilityManager, signingKey []byte, secrets *security.SecretsManager, mon *monitor.Monitor) *ProcessManager {
	return &ProcessManager{
		factory:    factory,
		capManager: capManager,
		signingKey: signingKey,
		secrets:    secrets,
		mon:        mon,
		agents:     make(map[string]*process),
		vault:      "tokad",
		stopCh:     make(chan struct{}),
		startTime:  time.Now().UTC(),
	}
}

func (pm *ProcessManager) setMonitorState(agentID string, state types.AgentExecutionState) {
	if pm.mon == nil {
		return
	}
	_ = pm.mon.UpdateAgentState(agentID, state)
}

// StartAgent spawns an executor for config under agentID, issues it a
// delegated capability token scoped to exactly
// config.Security.CapabilitiesRequired, and blocks until the executor
// reports Ready or ExecutingTask, or AgentStartupTimeout elapses. An
// executor that has already finished cleanly in state Completed also
// counts as started. When config.Security.ResourceLimits.Timeout parses
// as a Go duration, the executor's context carries that deadline. If
// the executor fails or is not ready in time, its context is canceled
// and it is removed before ExecutionFailedError is returned; failures
// while issuing the token or constructing the executor are returned as
// wrapped errors before any executor runs.
func (pm *ProcessManager) StartAgent(ctx context.Context, config types.AgentConfig, agentID string) error {
	pm.mu.Lock()
	if _, exists := pm.agents[agentID]; exists {
		pm.mu.Unlock()
		return fmt.Errorf("agent: %s is already running", agentID)
	}
	pm.mu.Unlock()

	token, err := pm.issueToken(config, agentID)
	if err != nil {
		return fmt.Errorf("agent: issue capability token for %s: %w", agentID, err)
	}
	if _, err := pm.capManager.ValidateToken(token, pm.signingKey); err != nil {
		return fmt.Errorf("agent: security violation validating freshly issued token for %s: %w", agentID, err)
	}

	decryptedEnv, err := pm.decryptEnvironment(config)
	if err != nil {
		return fmt.Errorf("agent: decrypt sealed environment for %s: %w", agentID, err)
	}

	executor, err := pm.factory(config, agentID, token, decryptedEnv)
	if err != nil {
		return fmt.Errorf("agent: construct executor for %s: %w", agentID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if limit, err := time.ParseDuration(config.Security.ResourceLimits.Timeout); err == nil && limit > 0 {
		cancel()
		runCtx, cancel = context.WithTimeout(ctx, limit)
	}
	proc := &process{
		agentID:   agentID,
		config:    config,
		executor:  executor,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
		token:     token,
	}

	pm.mu.Lock()
	pm.agents[agentID] = proc
	pm.mu.Unlock()

	pm.setMonitorState(agentID, types.StateInitializing)
	go pm.runExecutor(runCtx, proc)

	if err := pm.waitForReady(runCtx, proc); err != nil {
		pm.removeAgent(agentID)
		cancel()
		return &ExecutionFailedError{AgentID: agentID, Reason: err.Error()}
	}

	return nil
}

func (pm *ProcessManager) runExecutor(ctx context.Context, proc *process) {
	defer close(proc.done)
	defer func() {
		if r := recover(); r != nil {
			proc.runErr = fmt.Errorf("agent: executor panicked: %v", r)
			log.Error(fmt.Sprintf("agent: %s executor panicked: %v", proc.agentID, r))
		}
	}()
	proc.runErr = proc.executor.Run(ctx)
}

func (pm *ProcessManager) waitForReady(ctx context.Context, proc *process) error {
	deadline := time.Now().Add(AgentStartupTimeout)
	ticker := time.NewTicker(startupPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-proc.done:
			if proc.runErr != nil {
				return fmt.Errorf("executor failed before becoming ready: %w", proc.runErr)
			}
			state := proc.executor.State()
			if state == types.StateReady || state == types.StateExecutingTask || state == types.StateCompleted {
				return nil
			}
			return fmt.Errorf("executor exited before becoming ready (state=%s)", state)
		case <-ticker.C:
			state := proc.executor.State()
			switch state {
			case types.StateReady, types.StateExecutingTask:
				return nil
			case types.StateFailed, types.StateTerminated:
				return fmt.Errorf("executor entered %s during startup", state)
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out after %s waiting for readiness", AgentStartupTimeout)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StopAgent asks the agent to terminate cooperatively, then cancels
// its context and waits up to AgentStopGrace for the executor
// goroutine to exit before forcibly reaping it. StopAgent always
// removes the agent and reports success, even when the stop was
// forceful, mirroring the runtime's best-effort shutdown semantics.
func (pm *ProcessManager) StopAgent(agentID, reason string) error {
	pm.mu.Lock()
	proc, ok := pm.agents[agentID]
	pm.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent: %s is not running", agentID)
	}

	if err := proc.executor.Terminate(reason); err != nil {
		log.Warn(fmt.Sprintf("agent: %s declined cooperative terminate: %v", agentID, err))
	}
	proc.cancel()

	select {
	case <-proc.done:
	case <-time.After(AgentStopGrace):
		log.Warn(fmt.Sprintf("agent: %s did not exit within grace period, force-reaping", agentID))
	}

	pm.setMonitorState(agentID, types.StateTerminated)
	pm.removeAgent(agentID)
	return nil
}

// PauseAgent asks a running executor to suspend without stopping it.
func (pm *ProcessManager) PauseAgent(agentID string) error {
	proc, err := pm.lookup(agentID)
	if err != nil {
		return err
	}
	if err := proc.executor.Pause(); err != nil {
		return fmt.Errorf("agent: pause %s: %w", agentID, err)
	}
	pm.setMonitorState(agentID, types.StatePaused)
	return nil
}

// ResumeAgent reverses a prior PauseAgent.
func (pm *ProcessManager) ResumeAgent(agentID string) error {
	proc, err := pm.lookup(agentID)
	if err != nil {
		return err
	}
	if err := proc.executor.Resume(); err != nil {
		return fmt.Errorf("agent: resume %s: %w", agentID, err)
	}
	pm.setMonitorState(agentID, proc.executor.State())
	return nil
}

// GetAgentState returns the current lifecycle state of a managed agent.
func (pm *ProcessManager) GetAgentState(agentID string) (types.AgentExecutionState, error) {
	proc, err := pm.lookup(agentID)
	if err != nil {
		return "", err
	}
	return proc.executor.State(), nil
}

// GetRunningAgents lists the IDs of every currently managed agent.
func (pm *ProcessManager) GetRunningAgents() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]string, 0, len(pm.agents))
	for id := range pm.agents {
		out = append(out, id)
	}
	return out
}

// GetAgentInfo returns a point-in-time view of one managed agent.
func (pm *ProcessManager) GetAgentInfo(agentID string) (*Info, error) {
	proc, err := pm.lookup(agentID)
	if err != nil {
		return nil, err
	}
	return &Info{
		AgentID:   proc.agentID,
		Config:    proc.config,
		StartedAt: proc.startedAt,
		Uptime:    time.Since(proc.startedAt),
		State:     proc.executor.State(),
	}, nil
}

// MonitorAgents sweeps managed agents for goroutines that have
// finished, reclassifying them as completed or failed and removing
// them from the active set. Callers typically invoke this from a
// ticker loop (see the orchestration engine, C11).
func (pm *ProcessManager) MonitorAgents() {
	pm.mu.Lock()
	finished := make([]*process, 0)
	for _, proc := range pm.agents {
		select {
		case <-proc.done:
			finished = append(finished, proc)
		default:
		}
	}
	pm.mu.Unlock()

	for _, proc := range finished {
		if proc.runErr != nil {
			pm.statsMu.Lock()
			pm.failedAgents++
			pm.statsMu.Unlock()
			log.Error(fmt.Sprintf("agent: %s finished with error: %v", proc.agentID, proc.runErr))
			if pm.mon != nil {
				pm.mon.RecordTaskFailure(proc.agentID, proc.runErr)
			}
		} else {
			pm.statsMu.Lock()
			pm.completedAgents++
			pm.statsMu.Unlock()
			pm.setMonitorState(proc.agentID, types.StateCompleted)
		}
		pm.removeAgent(proc.agentID)
	}
}

// Shutdown stops every managed agent best-effort and logs failures
// rather than aborting the sweep.
func (pm *ProcessManager) Shutdown() {
	pm.stopOnce.Do(func() { close(pm.stopCh) })

	for _, agentID := range pm.GetRunningAgents() {
		if err := pm.StopAgent(agentID, "shutdown"); err != nil {
			log.Error(fmt.Sprintf("agent: error stopping %s during shutdown: %v", agentID, err))
		}
	}
}

// Stats returns a live snapshot of the manager's fleet.
func (pm *ProcessManager) Stats() RuntimeStats {
	pm.mu.Lock()
	active := len(pm.agents)
	pm.mu.Unlock()

	pm.statsMu.Lock()
	completed, failed := pm.completedAgents, pm.failedAgents
	pm.statsMu.Unlock()

	return RuntimeStats{
		ActiveAgents:    active,
		CompletedAgents: completed,
		FailedAgents:    failed,
		StartTime:       pm.startTime,
		Uptime:          time.Since(pm.startTime),
	}
}

func (pm *ProcessManager) lookup(agentID string) (*process, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	proc, ok := pm.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent: %s is not running", agentID)
	}
	return proc, nil
}

func (pm *ProcessManager) removeAgent(agentID string) {
	pm.mu.Lock()
	delete(pm.agents, agentID)
	pm.mu.Unlock()
}

// issueToken mints a delegated capability token scoped to exactly the
// permissions config.Security.CapabilitiesRequired grants.
func (pm *ProcessManager) issueToken(config types.AgentConfig, agentID string) (string, error) {
	now := time.Now()
	claims := security.DelegatedClaims{
		Subject:     agentID,
		Vault:       pm.vault,
		Permissions: append([]string(nil), config.Security.CapabilitiesRequired...),
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(AgentStartupTimeout + 30*time.Minute).Unix(),
		ID:          uuid.NewString(),
	}
	return pm.capManager.IssueToken(claims, pm.signingKey)
}

// decryptEnvironment returns the environment map handed to the
// Factory: nil when no SecretsManager was configured, otherwise an
// empty map. AgentConfig carries no sealed secrets, so nothing is
// decrypted here.
func (pm *ProcessManager) decryptEnvironment(config types.AgentConfig) (map[string]string, error) {
	if pm.secrets == nil {
		return nil, nil
	}
	_ = config
	return map[string]string{}, nil
}
