package orchestration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/toka/pkg/agent"
	"github.com/cuemby/toka/pkg/monitor"
	"github.com/cuemby/toka/pkg/security"
	"github.com/cuemby/toka/pkg/types"
)

var testSigningKey = []byte("orchestration_test_signing_key32")

// instantExecutor completes as soon as its result channel is closed (by
// the test or by Terminate), succeeding unless fail is set.
type instantExecutor struct {
	state  types.AgentExecutionState
	fail   bool
	result chan struct{}
}

func newInstantExecutor(fail bool) *instantExecutor {
	return &instantExecutor{state: types.StateReady, fail: fail, result: make(chan struct{})}
}

func (e *instantExecutor) Run(ctx context.Context) error {
	e.state = types.StateExecutingTask
	<-e.result
	if e.fail {
		e.state = types.StateFailed
		return fmt.Errorf("simulated failure")
	}
	e.state = types.StateCompleted
	return nil
}

func (e *instantExecutor) Pause() error  { return nil }
func (e *instantExecutor) Resume() error { return nil }
func (e *instantExecutor) Terminate(reason string) error {
	select {
	case <-e.result:
	default:
		close(e.result)
	}
	return nil
}
func (e *instantExecutor) State() types.AgentExecutionState { return e.state }

func newTestEngine(t *testing.T, executors map[string]*instantExecutor) *Engine {
	t.Helper()
	factory := func(config types.AgentConfig, agentID, token string, env map[string]string) (agent.Executor, error) {
		exec, ok := executors[agentID]
		require.True(t, ok, "no executor registered for %s", agentID)
		return exec, nil
	}
	mon := monitor.New()
	pm := agent.New(factory, security.NewCapabilityManager(), testSigningKey, nil, mon)
	return New(pm, mon, 2*time.Second)
}

func cfg(name string, priority types.AgentPriority, requires ...string) types.AgentConfig {
	required := make(map[string]string, len(requires))
	for _, r := range requires {
		required[r] = "dependency"
	}
	return types.AgentConfig{
		Metadata:     types.AgentMetadata{Name: name},
		Spec:         types.AgentSpec{Name: name, Priority: priority},
		Dependencies: types.AgentDependencies{Required: required},
	}
}

func TestRunCompletesAllWavesSuccessfully(t *testing.T) {
	a := newInstantExecutor(false)
	b := newInstantExecutor(false)
	engine := newTestEngine(t, map[string]*instantExecutor{"a": a, "b": b})

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(a.result)
	}()

	configs := []types.AgentConfig{
		cfg("a", types.PriorityCritical),
		cfg("b", types.PriorityHigh, "a"),
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(b.result)
	}()

	report, err := engine.Run(context.Background(), configs)
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Equal(t, monitor.PhaseCompleted, report.FinalPhase)
	require.Len(t, report.Phases, 2)
}

func TestRunStopsOnWaveFailure(t *testing.T) {
	a := newInstantExecutor(true)
	engine := newTestEngine(t, map[string]*instantExecutor{"a": a})

	close(a.result)

	configs := []types.AgentConfig{cfg("a", types.PriorityCritical)}

	report, err := engine.Run(context.Background(), configs)
	require.NoError(t, err)
	require.False(t, report.Success)
	require.Equal(t, monitor.PhaseFailed, report.FinalPhase)
	require.Contains(t, report.Phases[0].Failed, "a")
}

func TestRunFailsFastOnCircularDependency(t *testing.T) {
	engine := newTestEngine(t, map[string]*instantExecutor{})

	configs := []types.AgentConfig{
		cfg("a", types.PriorityHigh, "b"),
		cfg("b", types.PriorityHigh, "a"),
	}

	_, err := engine.Run(context.Background(), configs)
	require.Error(t, err)
}
