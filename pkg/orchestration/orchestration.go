// Package orchestration composes the dependency resolver (C8), the
// progress monitor (C9), and the agent process manager (C10) into the
// end-to-end session flow described in §4.11: resolve agents into
// spawn waves, advance a fixed phase sequence, start every agent in a
// wave in parallel and wait for the wave to finish or time out, and
// produce a final session report. The long-running coordination-loop
// texture (ticker-driven polling, structured logging per cycle)
// follows the teacher's scheduler package.
package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/toka/pkg/agent"
	"github.com/cuemby/toka/pkg/dag"
	"github.com/cuemby/toka/pkg/log"
	"github.com/cuemby/toka/pkg/monitor"
	"github.com/cuemby/toka/pkg/types"
)

// DefaultPhaseTimeout bounds how long the engine waits for every
// agent in a wave to reach a terminal state before declaring the
// phase failed and stopping everything still running (§4.11, §5).
const DefaultPhaseTimeout = 15 * time.Minute

// pollInterval is how often the engine checks wave completion.
const pollInterval = 500 * time.Millisecond

// phaseForPriority maps an agent's declared priority to the
// orchestration phase it is started in (§4.11).
func phaseForPriority(p types.AgentPriority) monitor.Phase {
	switch p {
	case types.PriorityCritical:
		return monitor.PhaseCriticalInfrastructure
	case types.PriorityHigh:
		return monitor.PhaseFoundationServices
	default:
		return monitor.PhaseParallelDevelopment
	}
}

// WaveResult records the outcome of starting and waiting on one wave
// of agents.
type WaveResult struct {
	Phase        monitor.Phase
	Agents       []string
	Failed       []string
	TimedOut     bool
	StartedAt    time.Time
	FinishedAt   time.Time
}

// SessionReport is the final record of one orchestration run.
type SessionReport struct {
	Phases        []WaveResult
	FinalPhase    monitor.Phase
	Success       bool
	OverallReport map[string]monitor.AgentProgress
}

// Engine drives one orchestration session end to end.
type Engine struct {
	processes    *agent.ProcessManager
	mon          *monitor.Monitor
	phaseTimeout time.Duration
}

// New creates an Engine over an already-constructed process manager
// and progress monitor, so callers can share both across sessions.
func New(processes *agent.ProcessManager, mon *monitor.Monitor, phaseTimeout time.Duration) *Engine {
	if phaseTimeout <= 0 {
		phaseTimeout = DefaultPhaseTimeout
	}
	return &Engine{processes: processes, mon: mon, phaseTimeout: phaseTimeout}
}

// Run resolves configs into spawn waves and drives every phase to
// completion or failure, returning the final session report (§4.11).
func (e *Engine) Run(ctx context.Context, configs []types.AgentConfig) (*SessionReport, error) {
	e.mon.InitializeAgentTracking(configs)

	resolver, err := dag.New(configs)
	if err != nil {
		return nil, fmt.Errorf("orchestration: build dependency graph: %w", err)
	}

	resolution, err := resolver.ResolveWaves()
	if err != nil {
		e.mon.UpdatePhase(monitor.PhaseFailed)
		return nil, fmt.Errorf("orchestration: resolve waves: %w", err)
	}

	byName := make(map[string]types.AgentConfig, len(configs))
	for _, c := range configs {
		byName[c.Metadata.Name] = c
	}

	report := &SessionReport{}
	e.mon.UpdatePhase(monitor.PhaseCriticalInfrastructure)

	for _, wave := range resolution.Waves {
		phase := e.wavePhase(wave, byName)
		e.mon.UpdatePhase(phase)

		result := e.runWave(ctx, phase, wave, byName)
		report.Phases = append(report.Phases, result)

		if result.TimedOut || len(result.Failed) > 0 {
			e.mon.UpdatePhase(monitor.PhaseFailed)
			e.stopAll(wave, "phase failed")
			report.FinalPhase = monitor.PhaseFailed
			report.Success = false
			report.OverallReport = e.mon.AllAgentProgress()
			return report, nil
		}
	}

	e.mon.UpdatePhase(monitor.PhaseValidation)
	e.mon.UpdatePhase(monitor.PhaseCompleted)

	report.FinalPhase = monitor.PhaseCompleted
	report.Success = true
	report.OverallReport = e.mon.AllAgentProgress()
	return report, nil
}

// wavePhase assigns a wave to the highest-priority phase among its
// members, so a wave mixing priorities is tracked under its most
// critical agent's phase.
func (e *Engine) wavePhase(wave []string, byName map[string]types.AgentConfig) monitor.Phase {
	best := monitor.PhaseParallelDevelopment
	bestRank := types.PriorityLow.Rank()
	for _, name := range wave {
		rank := byName[name].Spec.Priority.Rank()
		if rank < bestRank {
			bestRank = rank
			best = phaseForPriority(byName[name].Spec.Priority)
		}
	}
	return best
}

// runWave starts every agent in the wave in parallel and blocks until
// all of them reach a terminal state or the phase timeout elapses.
func (e *Engine) runWave(ctx context.Context, phase monitor.Phase, wave []string, byName map[string]types.AgentConfig) WaveResult {
	result := WaveResult{Phase: phase, Agents: wave, StartedAt: time.Now().UTC()}

	for _, name := range wave {
		config := byName[name]
		if err := e.processes.StartAgent(ctx, config, name); err != nil {
			log.Error(fmt.Sprintf("orchestration: start agent %s failed: %v", name, err))
			e.mon.RecordTaskFailure(name, err)
			result.Failed = append(result.Failed, name)
		}
	}

	deadline := time.Now().Add(e.phaseTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		e.processes.MonitorAgents()

		if e.waveTerminal(wave) {
			result.FinishedAt = time.Now().UTC()
			result.Failed = e.waveFailures(wave, result.Failed)
			return result
		}

		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				result.TimedOut = true
				result.FinishedAt = time.Now().UTC()
				return result
			}
		case <-ctx.Done():
			result.TimedOut = true
			result.FinishedAt = time.Now().UTC()
			return result
		}
	}
}

func (e *Engine) waveTerminal(wave []string) bool {
	for _, name := range wave {
		p, ok := e.mon.AgentProgressFor(name)
		if !ok || !p.State.Terminal() {
			return false
		}
	}
	return true
}

func (e *Engine) waveFailures(wave []string, existing []string) []string {
	failed := append([]string(nil), existing...)
	for _, name := range wave {
		p, ok := e.mon.AgentProgressFor(name)
		if ok && p.State == types.StateFailed {
			failed = append(failed, name)
		}
	}
	return failed
}

// stopAll best-effort stops every agent in the wave still running.
func (e *Engine) stopAll(wave []string, reason string) {
	running := make(map[string]bool)
	for _, id := range e.processes.GetRunningAgents() {
		running[id] = true
	}
	for _, name := range wave {
		if running[name] {
			if err := e.processes.StopAgent(name, reason); err != nil {
				log.Error(fmt.Sprintf("orchestration: stop agent %s failed: %v", name, err))
			}
		}
	}
}

// Shutdown stops every agent the engine's process manager still
// tracks, for use when a session is aborted externally.
func (e *Engine) Shutdown() {
	e.processes.Shutdown()
}
