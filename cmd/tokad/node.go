package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/toka/pkg/agent"
	"github.com/cuemby/toka/pkg/cluster"
	"github.com/cuemby/toka/pkg/event"
	"github.com/cuemby/toka/pkg/fsm"
	"github.com/cuemby/toka/pkg/ledger"
	"github.com/cuemby/toka/pkg/log"
	"github.com/cuemby/toka/pkg/metrics"
	"github.com/cuemby/toka/pkg/monitor"
	"github.com/cuemby/toka/pkg/orchestration"
	"github.com/cuemby/toka/pkg/security"
	"github.com/cuemby/toka/pkg/store"
	"github.com/cuemby/toka/pkg/types"
	"github.com/cuemby/toka/pkg/wal"
)

// node wires C1-C11 together: the durable store and WAL (C2-C4), the
// ledger (C7) and the FSM that replays Raft log entries into both
// (C5), the Raft replicator (C6), and the agent runtime (C9-C11)
// layered on top. One node is the unit cobra commands construct and
// tear down.
type node struct {
	cfg nodeConfig

	walLog  *wal.WAL
	store   *store.WalStore
	ledger  *ledger.Ledger
	fsm     *fsm.TokaFSM
	cluster *cluster.Replicator

	capManager *security.CapabilityManager
	signingKey []byte

	monitor   *monitor.Monitor
	processes *agent.ProcessManager
	engine    *orchestration.Engine
}

type nodeConfig struct {
	NodeID              string
	BindAddr            string
	DataDir             string
	InitialReserve      int64
	AgentStartupTimeout time.Duration
	PhaseTimeout        time.Duration
}

// devSigningKey is a fixed development key used to sign agent
// capability tokens; it is not derived per cluster.
var devSigningKey = []byte("toka-dev-capability-signing-key")

func newNode(cfg nodeConfig) (*node, error) {
	bstore, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: open event store: %w", err)
	}

	walLog, err := wal.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: open wal: %w", err)
	}

	walStore := store.NewWalStore(bstore, walLog)
	if result, err := walStore.Recover(); err != nil {
		return nil, fmt.Errorf("node: recover wal: %w", err)
	} else if result.EntriesRecovered > 0 {
		log.Info(fmt.Sprintf("node: recovered %d wal entries on startup", result.EntriesRecovered))
	}

	l := ledger.New(cfg.InitialReserve)

	n := &node{
		cfg:        cfg,
		walLog:     walLog,
		store:      walStore,
		ledger:     l,
		capManager: security.NewCapabilityManager(),
		signingKey: devSigningKey,
		monitor:    monitor.New(),
	}

	n.fsm = fsm.New(walStore, l, n.handleAgentMessage)
	n.cluster = cluster.New(cluster.Config{NodeID: cfg.NodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir}, n.fsm)

	n.processes = agent.New(n.taskExecutorFactory, n.capManager, n.signingKey, nil, n.monitor)

	phaseTimeout := cfg.PhaseTimeout
	if phaseTimeout <= 0 {
		phaseTimeout = orchestration.DefaultPhaseTimeout
	}
	n.engine = orchestration.New(n.processes, n.monitor, phaseTimeout)

	return n, nil
}

func (n *node) close() {
	n.processes.Shutdown()
	if err := n.cluster.Shutdown(); err != nil {
		log.Error(fmt.Sprintf("node: cluster shutdown: %v", err))
	}
	if err := n.walLog.Close(); err != nil {
		log.Error(fmt.Sprintf("node: wal close: %v", err))
	}
	if err := n.store.Store().Close(); err != nil {
		log.Error(fmt.Sprintf("node: store close: %v", err))
	}
}

// handleAgentMessage is the FSM's MessageHandler for
// process_agent_message commands, routing them to the progress
// monitor as a task-completion record.
func (n *node) handleAgentMessage(agentID string, message json.RawMessage) error {
	_ = message
	n.monitor.RecordTaskCompletion(agentID)
	return nil
}

// commitTaskEvent submits one default-task completion as a Raft-
// replicated commit_event operation: the event is encoded, wrapped in
// a fsm.Command, and applied through the cluster so every replica's
// WAL and event store observe it identically.
func (n *node) commitTaskEvent(agentID, task string) error {
	h, payload, err := event.NewHeader(nil, uuid.New(), "agent.task_completed", map[string]string{
		"agent_id": agentID,
		"task":     task,
	})
	if err != nil {
		return err
	}

	data, err := json.Marshal(fsm.CommitEventPayload{Header: h, Payload: payload})
	if err != nil {
		return err
	}

	cmd := fsm.Command{Op: fsm.OpCommitEvent, CorrelationID: uuid.New(), Data: data}
	_, err = n.cluster.Apply(cmd)
	return err
}

// taskExecutor runs an agent's default tasks to completion, committing
// one replicated event per task. It is the default agent.Executor
// this bootstrap hands to the process manager; a real deployment would
// instead inject an executor that drives an LLM or external script,
// matching the Rust runtime's pluggable AgentExecutor trait.
type taskExecutor struct {
	n       *node
	agentID string
	config  types.AgentConfig
	state   types.AgentExecutionState
	pause   chan struct{}
	stop    chan string
}

func (n *node) taskExecutorFactory(config types.AgentConfig, agentID, token string, env map[string]string) (agent.Executor, error) {
	_ = token
	_ = env
	return &taskExecutor{
		n:       n,
		agentID: agentID,
		config:  config,
		state:   types.StateReady,
		pause:   make(chan struct{}, 1),
		stop:    make(chan string, 1),
	}, nil
}

func (e *taskExecutor) Run(ctx context.Context) error {
	e.state = types.StateExecutingTask
	total := len(e.config.Tasks.Default)
	for i, task := range e.config.Tasks.Default {
		select {
		case reason := <-e.stop:
			e.state = types.StateTerminated
			log.Info(fmt.Sprintf("agent %s terminated: %s", e.agentID, reason))
			return nil
		case <-ctx.Done():
			e.state = types.StateTerminated
			return nil
		default:
		}

		if err := e.n.commitTaskEvent(e.agentID, task); err != nil {
			e.state = types.StateFailed
			return fmt.Errorf("task %s: %w", task, err)
		}
		e.n.monitor.RecordTaskCompletion(e.agentID)
		_ = e.n.monitor.UpdateAgentProgress(e.agentID, float64(i+1)/float64(total))
	}
	e.state = types.StateCompleted
	return nil
}

func (e *taskExecutor) Pause() error {
	e.state = types.StatePaused
	return nil
}

func (e *taskExecutor) Resume() error {
	e.state = types.StateExecutingTask
	return nil
}

func (e *taskExecutor) Terminate(reason string) error {
	select {
	case e.stop <- reason:
	default:
	}
	return nil
}

func (e *taskExecutor) State() types.AgentExecutionState {
	return e.state
}

// refreshGauges refreshes the Raft gauges this node exposes at
// /metrics; callers poll it from a ticker.
func (n *node) refreshGauges() {
	if n.cluster.IsLeader() {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
	metrics.RaftAppliedIndex.Set(float64(n.cluster.AppliedIndex()))
}
