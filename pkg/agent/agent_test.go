package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/toka/pkg/monitor"
	"github.com/cuemby/toka/pkg/security"
	"github.com/cuemby/toka/pkg/types"
)

var testSigningKey = []byte("agent_test_signing_key_32_bytes")

// fakeExecutor is a minimal in-memory Executor used to exercise the
// process manager without any real agent task.
type fakeExecutor struct {
	mu         sync.Mutex
	state      types.AgentExecutionState
	runBlocks  chan struct{}
	closeOnce  sync.Once
	terminated chan string
	failRun    error
	panicOnRun bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		state:      types.StateReady,
		runBlocks:  make(chan struct{}),
		terminated: make(chan string, 1),
	}
}

func (f *fakeExecutor) Run(ctx context.Context) error {
	if st := f.State(); st == types.StateFailed || st == types.StateTerminated {
		return fmt.Errorf("executor preset to %s", st)
	}
	f.setState(types.StateExecutingTask)
	if f.panicOnRun {
		panic("boom")
	}
	select {
	case <-ctx.Done():
		f.setState(types.StateTerminated)
		return nil
	case <-f.runBlocks:
		if f.failRun != nil {
			f.setState(types.StateFailed)
			return f.failRun
		}
		f.setState(types.StateCompleted)
		return nil
	}
}

func (f *fakeExecutor) Pause() error {
	f.setState(types.StatePaused)
	return nil
}

func (f *fakeExecutor) Resume() error {
	f.setState(types.StateExecutingTask)
	return nil
}

func (f *fakeExecutor) Terminate(reason string) error {
	select {
	case f.terminated <- reason:
	default:
	}
	f.closeOnce.Do(func() { close(f.runBlocks) })
	return nil
}

func (f *fakeExecutor) State() types.AgentExecutionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeExecutor) setState(s types.AgentExecutionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func newTestManager(t *testing.T, executors map[string]*fakeExecutor) *ProcessManager {
	t.Helper()
	factory := func(config types.AgentConfig, agentID string, token string, env map[string]string) (Executor, error) {
		require.NotEmpty(t, token)
		exec, ok := executors[agentID]
		require.True(t, ok, "no fake executor registered for %s", agentID)
		return exec, nil
	}
	return New(factory, security.NewCapabilityManager(), testSigningKey, nil, monitor.New())
}

func testConfig(name string) types.AgentConfig {
	return types.AgentConfig{
		Metadata: types.AgentMetadata{Name: name},
		Spec:     types.AgentSpec{Name: name, Priority: types.PriorityHigh},
		Security: types.SecurityConfig{CapabilitiesRequired: []string{"read", "write"}},
	}
}

func TestStartAgentReachesReadyState(t *testing.T) {
	exec := newFakeExecutor()
	pm := newTestManager(t, map[string]*fakeExecutor{"agent-1": exec})

	err := pm.StartAgent(context.Background(), testConfig("agent-1"), "agent-1")
	require.NoError(t, err)

	state, err := pm.GetAgentState("agent-1")
	require.NoError(t, err)
	require.Equal(t, types.StateExecutingTask, state)
	require.Contains(t, pm.GetRunningAgents(), "agent-1")

	exec.closeOnce.Do(func() { close(exec.runBlocks) })
	require.NoError(t, pm.StopAgent("agent-1", "test cleanup"))
}

func TestStartAgentRejectsDuplicateID(t *testing.T) {
	exec := newFakeExecutor()
	pm := newTestManager(t, map[string]*fakeExecutor{"agent-1": exec})

	require.NoError(t, pm.StartAgent(context.Background(), testConfig("agent-1"), "agent-1"))
	err := pm.StartAgent(context.Background(), testConfig("agent-1"), "agent-1")
	require.Error(t, err)

	exec.closeOnce.Do(func() { close(exec.runBlocks) })
	require.NoError(t, pm.StopAgent("agent-1", "test cleanup"))
}

func TestStartAgentFailsWhenExecutorNeverReady(t *testing.T) {
	exec := newFakeExecutor()
	exec.state = types.StateFailed
	pm := newTestManager(t, map[string]*fakeExecutor{"agent-1": exec})

	err := pm.StartAgent(context.Background(), testConfig("agent-1"), "agent-1")
	require.Error(t, err)
	require.IsType(t, &ExecutionFailedError{}, err)

	require.Empty(t, pm.GetRunningAgents())
}

func TestStopAgentTerminatesCooperatively(t *testing.T) {
	exec := newFakeExecutor()
	pm := newTestManager(t, map[string]*fakeExecutor{"agent-1": exec})

	require.NoError(t, pm.StartAgent(context.Background(), testConfig("agent-1"), "agent-1"))
	require.NoError(t, pm.StopAgent("agent-1", "done"))

	select {
	case reason := <-exec.terminated:
		require.Equal(t, "done", reason)
	default:
		t.Fatal("expected Terminate to have been called")
	}
	require.Empty(t, pm.GetRunningAgents())
}

func TestMonitorAgentsReclassifiesCompletedAndFailed(t *testing.T) {
	okExec := newFakeExecutor()
	failExec := newFakeExecutor()
	failExec.failRun = fmt.Errorf("task failed")

	pm := newTestManager(t, map[string]*fakeExecutor{
		"agent-ok":   okExec,
		"agent-fail": failExec,
	})

	require.NoError(t, pm.StartAgent(context.Background(), testConfig("agent-ok"), "agent-ok"))
	require.NoError(t, pm.StartAgent(context.Background(), testConfig("agent-fail"), "agent-fail"))

	close(okExec.runBlocks)
	close(failExec.runBlocks)

	require.Eventually(t, func() bool {
		pm.MonitorAgents()
		stats := pm.Stats()
		return stats.CompletedAgents == 1 && stats.FailedAgents == 1
	}, time.Second, 10*time.Millisecond)

	require.Empty(t, pm.GetRunningAgents())
}

func TestRunExecutorRecoversFromPanic(t *testing.T) {
	exec := newFakeExecutor()
	exec.panicOnRun = true
	pm := newTestManager(t, map[string]*fakeExecutor{"agent-1": exec})

	err := pm.StartAgent(context.Background(), testConfig("agent-1"), "agent-1")
	require.Error(t, err)
	require.Empty(t, pm.GetRunningAgents())
}
