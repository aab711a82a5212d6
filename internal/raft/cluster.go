package raft

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"DistCount/internal/logger"
	"DistCount/internal/types"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const applyTimeout = 5 * time.Second

// Cluster is a Raft node replicating the job journal.
type Cluster struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      *raftboltdb.BoltStore
	stableStore   *raftboltdb.BoltStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	logger        *logger.Logger
}

// Config for creating a new cluster
type Config struct {
	NodeID   string         // Unique node identifier
	BindAddr string         // Address to bind Raft transport
	BindPort int            // Port for Raft transport
	DataDir  string         // Directory for log store and snapshots
	Peers    []string       // Voters (nodeID@address:port), may include this node; empty bootstraps a single node
	Logger   *logger.Logger // optional

	// NoBootstrap leaves a fresh node without a configuration until a
	// leader adds it, e.g. through FollowMembership.
	NoBootstrap bool
}

// NewCluster creates a new Raft cluster node
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft node ID cannot be empty: %w", types.ErrConfig)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("raft data dir cannot be empty: %w", types.ErrConfig)
	}
	peers, err := parsePeers(cfg.Peers)
	if err != nil {
		return nil, err
	}

	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("raft")
	lg.Info("Initializing Raft node: node_id=%s bind_addr=%s:%d peers=%d", cfg.NodeID, cfg.BindAddr, cfg.BindPort, len(peers))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		lg.Error("Failed to create data directory: %v", err)
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Cluster{
		nodeID: cfg.NodeID,
		fsm:    NewFSM(lg),
		logger: lg,
	}

	c.logStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db"))
	if err != nil {
		lg.Error("Failed to create log store: %v", err)
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	c.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		c.logStore.Close()
		lg.Error("Failed to create stable store: %v", err)
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	c.snapshotStore, err = raft.NewFileSnapshotStore(cfg.DataDir, 3, lg.Writer())
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create snapshot store: %v", err)
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	bind := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)
	addr, err := net.ResolveTCPAddr("tcp", bind)
	if err != nil {
		c.closeStores()
		lg.Error("Failed to resolve address: %v", err)
		return nil, fmt.Errorf("failed to resolve address %s: %w: %w", bind, types.ErrConfig, err)
	}

	c.transport, err = raft.NewTCPTransport(addr.String(), addr, 3, 10*time.Second, lg.Writer())
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create transport: %v", err)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = lg.Writer()
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 20

	c.raft, err = raft.NewRaft(raftCfg, c.fsm, c.logStore, c.stableStore, c.snapshotStore, c.transport)
	if err != nil {
		c.transport.Close()
		c.closeStores()
		lg.Error("Failed to create raft instance: %v", err)
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	lg.Info("Raft node initialized: node_id=%s", cfg.NodeID)

	hasState, err := raft.HasExistingState(c.logStore, c.stableStore, c.snapshotStore)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}
	if hasState {
		lg.Info("Recovered existing raft state from %s", cfg.DataDir)
		return c, nil
	}
	if cfg.NoBootstrap {
		lg.Info("Waiting to be added by a leader: node_id=%s addr=%s", cfg.NodeID, addr)
		return c, nil
	}

	servers := []raft.Server{{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(cfg.NodeID),
		Address:  raft.ServerAddress(addr.String()),
	}}
	for _, p := range peers {
		if p.ID != raft.ServerID(cfg.NodeID) {
			servers = append(servers, p)
		}
	}

	f := c.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
		c.Close()
		lg.Error("Failed to bootstrap cluster: %v", err)
		return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	lg.Info("Cluster bootstrapped: voters=%d", len(servers))

	return c, nil
}

// parsePeers reads nodeID@address:port entries.
func parsePeers(peers []string) ([]raft.Server, error) {
	var servers []raft.Server
	for _, p := range peers {
		id, addr, ok := strings.Cut(strings.TrimSpace(p), "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid raft peer %q, want nodeID@host:port: %w", p, types.ErrConfig)
		}
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(id),
			Address:  raft.ServerAddress(addr),
		})
	}
	return servers, nil
}

// AddPeer adds a peer to the Raft cluster
func (c *Cluster) AddPeer(nodeID, address string) error {
	f := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 0)
	return f.Error()
}

// RemovePeer removes a peer from the Raft cluster
func (c *Cluster) RemovePeer(nodeID string) error {
	f := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 0)
	return f.Error()
}

// Membership is a source of gossip join and leave events.
type Membership interface {
	LocalNodeID() string
	RegisterJoinCallback(func(types.Node))
	RegisterLeaveCallback(func(nodeID string))
}

// FollowMembership keeps the voter set in step with gossip: while this node
// leads, members advertising a raft address are added and departed members
// are removed. Events are handled off the gossip goroutine.
func (c *Cluster) FollowMembership(m Membership) {
	self := m.LocalNodeID()
	m.RegisterJoinCallback(func(n types.Node) {
		if n.ID != self {
			go c.handleJoin(n)
		}
	})
	m.RegisterLeaveCallback(func(nodeID string) {
		if nodeID != self {
			go c.handleLeave(nodeID)
		}
	})
}

func (c *Cluster) handleJoin(n types.Node) {
	if n.RaftAddr == "" || !c.IsLeader() {
		return
	}
	if p, ok := c.GetPeers()[n.ID]; ok && string(p.Address) == n.RaftAddr {
		return
	}
	if err := c.AddPeer(n.ID, n.RaftAddr); err != nil {
		c.logger.Warn("Failed to add voter: node_id=%s addr=%s err=%v", n.ID, n.RaftAddr, err)
		return
	}
	c.logger.Info("Added voter: node_id=%s addr=%s", n.ID, n.RaftAddr)
}

func (c *Cluster) handleLeave(nodeID string) {
	if !c.IsLeader() {
		return
	}
	if _, ok := c.GetPeers()[nodeID]; !ok {
		return
	}
	if err := c.RemovePeer(nodeID); err != nil {
		c.logger.Warn("Failed to remove voter: node_id=%s err=%v", nodeID, err)
		return
	}
	c.logger.Info("Removed voter: node_id=%s", nodeID)
}

// IsLeader returns true if this node is the current leader
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// GetLeader returns the address of the current leader
func (c *Cluster) GetLeader() string {
	return string(c.raft.Leader())
}

// WaitForLeader blocks until the cluster has a leader or timeout expires.
func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.GetLeader() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no raft leader after %s: %w", timeout, types.ErrStorageUnavailable)
}

// ApplyLog applies a log entry to the state machine
// This should only be called on the leader
func (c *Cluster) ApplyLog(entry *types.LogEntry) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", c.GetLeader())
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

func (c *Cluster) apply(typ, op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", typ, err)
	}
	return c.ApplyLog(&types.LogEntry{
		Type:      typ,
		Operation: op,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// RecordJob replicates a job phase change.
func (c *Cluster) RecordJob(rec types.JobRecord) error {
	return c.apply("job", "phase", rec)
}

// RecordTask replicates a task state change.
func (c *Cluster) RecordTask(rec types.TaskRecord) error {
	return c.apply("task", "transition", rec)
}

// GetClusterState returns the current cluster state
func (c *Cluster) GetClusterState() *types.ClusterState {
	state := c.fsm.GetState()
	state.Leader = c.GetLeader()
	return state
}

// GetPeers returns all known peers in the cluster
func (c *Cluster) GetPeers() map[string]raft.Server {
	config := c.raft.GetConfiguration()
	peers := make(map[string]raft.Server)

	if config.Error() == nil {
		for _, server := range config.Configuration().Servers {
			peers[string(server.ID)] = server
		}
	}

	return peers
}

// Lookup returns the journaled record of a job and its tasks as applied on
// this node. Followers may lag the leader.
func (c *Cluster) Lookup(jobID string) (types.JobRecord, []types.TaskRecord, bool) {
	rec, ok := c.fsm.GetJob(jobID)
	if !ok {
		return rec, nil, false
	}
	return rec, c.fsm.GetTasks(jobID), true
}

// Close shuts the node down and releases its stores.
func (c *Cluster) Close() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return err
	}
	if err := c.transport.Close(); err != nil {
		return err
	}
	return c.closeStores()
}

func (c *Cluster) closeStores() error {
	var first error
	for _, s := range []*raftboltdb.BoltStore{c.logStore, c.stableStore} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stats returns the Raft statistics
func (c *Cluster) Stats() map[string]string {
	return c.raft.Stats()
}
