// Package cluster implements the Raft replicator (C6): cluster
// bootstrap/join/membership management, wrapping hashicorp/raft around
// the fsm.TokaFSM state-machine adapter.
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/toka/pkg/fsm"
	"github.com/cuemby/toka/pkg/log"
	"github.com/cuemby/toka/pkg/metrics"
)

// Config holds the configuration needed to bootstrap or join a
// replicator node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Replicator wraps a raft.Raft instance bound to a fsm.TokaFSM,
// generalizing the teacher's Manager bootstrap/join/voter-management
// surface from container-cluster commands to fsm.Command submission.
type Replicator struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft         *raft.Raft
	fsm          *fsm.TokaFSM
	tokenManager *TokenManager
}

// New constructs a Replicator over the given fsm.TokaFSM. Call
// Bootstrap or Join to actually start the Raft instance.
func New(cfg Config, f *fsm.TokaFSM) *Replicator {
	return &Replicator{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		fsm:          f,
		tokenManager: NewTokenManager(),
	}
}

// raftTimeouts tunes hashicorp/raft's conservative WAN-oriented
// defaults for LAN/edge deployments, matching the teacher's timing
// budget for sub-10s failover.
func raftTimeouts(config *raft.Config) {
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
}

func (r *Replicator) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(r.nodeID)
	raftTimeouts(config)

	addr, err := net.ResolveTCPAddr("tcp", r.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(r.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(r.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(r.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(r.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create stable store: %w", err)
	}

	instance, err := raft.NewRaft(config, r.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create raft instance: %w", err)
	}

	return instance, transport, nil
}

// Bootstrap initializes a brand-new single-node cluster with this node
// as its only member.
func (r *Replicator) Bootstrap() error {
	instance, transport, err := r.newRaft()
	if err != nil {
		return err
	}
	r.raft = instance

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(r.nodeID), Address: transport.LocalAddr()},
		},
	}

	future := r.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: bootstrap: %w", err)
	}

	log.Info(fmt.Sprintf("cluster: bootstrapped single-node cluster, node=%s", r.nodeID))
	return nil
}

// Join starts a Raft instance for this node without bootstrapping a
// new configuration. The node only takes part in the cluster once the
// current leader has called AddVoter for it; Join does not contact the
// leader itself.
func (r *Replicator) Join() error {
	instance, _, err := r.newRaft()
	if err != nil {
		return err
	}
	r.raft = instance

	log.Info(fmt.Sprintf("cluster: started raft instance for join, node=%s", r.nodeID))
	return nil
}

// AddVoter adds a new voting member to the cluster. Must be called on
// the current leader.
func (r *Replicator) AddVoter(nodeID, address string) error {
	if r.raft == nil {
		return fmt.Errorf("cluster: raft not initialized")
	}
	if !r.IsLeader() {
		return fmt.Errorf("cluster: not the leader, current leader: %s", r.LeaderAddr())
	}

	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: add voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveServer removes a member from the cluster. Must be called on
// the current leader.
func (r *Replicator) RemoveServer(nodeID string) error {
	if r.raft == nil {
		return fmt.Errorf("cluster: raft not initialized")
	}
	if !r.IsLeader() {
		return fmt.Errorf("cluster: not the leader")
	}

	future := r.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: remove server %s: %w", nodeID, err)
	}
	return nil
}

// GetClusterServers returns the current Raft cluster membership.
func (r *Replicator) GetClusterServers() ([]raft.Server, error) {
	if r.raft == nil {
		return nil, fmt.Errorf("cluster: raft not initialized")
	}
	future := r.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("cluster: get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (r *Replicator) IsLeader() bool {
	return r.raft != nil && r.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's address, or "" if unknown.
func (r *Replicator) LeaderAddr() string {
	if r.raft == nil {
		return ""
	}
	return string(r.raft.Leader())
}

// AppliedIndex returns the last Raft log index applied to the FSM.
func (r *Replicator) AppliedIndex() uint64 {
	if r.raft == nil {
		return 0
	}
	return r.raft.AppliedIndex()
}

// Apply submits a Command to the cluster, waits for it to be
// replicated and applied, and returns the FSM's typed Result.
func (r *Replicator) Apply(cmd fsm.Command) (*fsm.Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if r.raft == nil {
		return nil, fmt.Errorf("cluster: raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("cluster: marshal command: %w", err)
	}

	future := r.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("cluster: apply command: %w", err)
	}

	resp := future.Response()
	result, ok := resp.(*fsm.Result)
	if !ok {
		return nil, fmt.Errorf("cluster: unexpected apply response type %T", resp)
	}
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

// GenerateJoinToken issues a join token for a new node. Only the
// leader may mint tokens.
func (r *Replicator) GenerateJoinToken() (*JoinToken, error) {
	if !r.IsLeader() {
		return nil, fmt.Errorf("cluster: not the leader, tokens can only be generated by the leader")
	}
	return r.tokenManager.GenerateToken(24 * time.Hour)
}

// ValidateJoinToken validates a join token previously issued by
// GenerateJoinToken.
func (r *Replicator) ValidateJoinToken(token string) error {
	return r.tokenManager.ValidateToken(token)
}

// Shutdown gracefully shuts down the Raft instance.
func (r *Replicator) Shutdown() error {
	if r.raft == nil {
		return nil
	}
	future := r.raft.Shutdown()
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: shutdown: %w", err)
	}
	return nil
}
