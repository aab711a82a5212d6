package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"DistCount/internal/coordinator"
	"DistCount/internal/logger"
	"DistCount/internal/storage"
	"DistCount/internal/types"

	raft "github.com/hashicorp/raft"
)

func newTestCluster(t *testing.T, port int, dir string) *Cluster {
	t.Helper()
	c, err := NewCluster(Config{
		NodeID:   "master1",
		BindAddr: "127.0.0.1",
		BindPort: port,
		DataDir:  dir,
		Logger:   logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	waitLeader(t, c)
	return c
}

func waitLeader(t *testing.T, c *Cluster) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatalf("Node was not elected leader")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestRaftClusterConsensus tests single node election
func TestRaftClusterConsensus(t *testing.T) {
	c := newTestCluster(t, 5101, filepath.Join(t.TempDir(), "master1"))
	defer c.Close()

	if err := c.WaitForLeader(time.Second); err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}
	if len(c.GetPeers()) != 1 {
		t.Fatalf("Expected one voter, got %v", c.GetPeers())
	}
	t.Logf("✓ Single node elected as leader: %s", c.GetLeader())
}

func TestRaftJournalReplication(t *testing.T) {
	c := newTestCluster(t, 5102, filepath.Join(t.TempDir(), "master1"))
	defer c.Close()

	if err := c.RecordJob(types.JobRecord{JobID: "job-1", Phase: types.PhaseMap, Output: "/out", Maps: 2, Reduces: 1}); err != nil {
		t.Fatalf("RecordJob failed: %v", err)
	}
	for _, rec := range []types.TaskRecord{
		{JobID: "job-1", TaskID: 0, Kind: types.MapTask, State: types.TaskRunning, Attempts: 1},
		{JobID: "job-1", TaskID: 0, Kind: types.MapTask, State: types.TaskPending, Attempts: 1, Error: "boom"},
		{JobID: "job-1", TaskID: 0, Kind: types.MapTask, State: types.TaskSucceeded, Attempts: 2},
		{JobID: "job-1", TaskID: 1, Kind: types.MapTask, State: types.TaskRunning, Attempts: 1},
	} {
		if err := c.RecordTask(rec); err != nil {
			t.Fatalf("RecordTask failed: %v", err)
		}
	}

	state := c.GetClusterState()
	if job := state.Jobs["job-1"]; job == nil || job.Phase != types.PhaseMap || job.Maps != 2 {
		t.Fatalf("Unexpected job record %+v", job)
	}
	task := state.Tasks[types.TaskKey("job-1", types.MapTask, 0)]
	if task == nil || task.State != types.TaskSucceeded || task.Attempts != 2 {
		t.Fatalf("Unexpected task record %+v", task)
	}
	if state.Version != 5 || state.Leader == "" {
		t.Fatalf("Unexpected state version=%d leader=%q", state.Version, state.Leader)
	}
	t.Logf("✓ Journal replicated through Raft: version=%d", state.Version)
}

func TestRaftJournalSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "master1")

	c := newTestCluster(t, 5103, dir)
	if err := c.RecordJob(types.JobRecord{JobID: "job-r", Phase: types.PhaseCompleted}); err != nil {
		t.Fatalf("RecordJob failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c = newTestCluster(t, 5103, dir)
	defer c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if rec, _, ok := c.Lookup("job-r"); ok {
			if rec.Phase != types.PhaseCompleted {
				t.Fatalf("Unexpected recovered record %+v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job record was not recovered after restart")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestCoordinatorJournalsThroughRaft(t *testing.T) {
	c := newTestCluster(t, 5104, filepath.Join(t.TempDir(), "master1"))
	defer c.Close()

	store := storage.NewMemory()
	storage.WriteFile(store, "/in/a", []byte("to be or not to be\n"))
	coord, err := coordinator.New(coordinator.Config{Store: store, Journal: c, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	defer coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := coord.Submit(ctx, coordinator.JobSpec{Inputs: []string{"/in"}, Output: "/out", Reducers: 2})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := job.Wait(ctx); err != nil {
		t.Fatalf("Job failed: %v", err)
	}

	rec, tasks, ok := c.Lookup(job.ID())
	if !ok || rec.Phase != types.PhaseCompleted || rec.Reduces != 2 {
		t.Fatalf("Unexpected journaled job %+v", rec)
	}
	if len(tasks) != 3 {
		t.Fatalf("Expected 3 journaled tasks, got %+v", tasks)
	}
	for _, task := range tasks {
		if task.State != types.TaskSucceeded {
			t.Fatalf("Task not journaled as succeeded: %+v", task)
		}
	}
}

func TestNewClusterValidatesConfig(t *testing.T) {
	cases := map[string]Config{
		"no node id": {DataDir: t.TempDir()},
		"no dir":     {NodeID: "n1"},
		"bad peer":   {NodeID: "n1", DataDir: t.TempDir(), Peers: []string{"127.0.0.1:5000"}},
	}
	for name, cfg := range cases {
		if _, err := NewCluster(cfg); !errors.Is(err, types.ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", name, err)
		}
	}

	servers, err := parsePeers([]string{"n2@10.0.0.2:7000", " n3@10.0.0.3:7000"})
	if err != nil || len(servers) != 2 || servers[1].ID != "n3" || servers[1].Address != "10.0.0.3:7000" {
		t.Fatalf("parsePeers = %v, %v", servers, err)
	}
}

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string   { return "mem" }
func (s *memSink) Close() error { return nil }

func (s *memSink) Cancel() error {
	s.cancelled = true
	return nil
}

func applyEntry(t *testing.T, f *FSM, typ, op string, v any) interface{} {
	t.Helper()
	data, _ := json.Marshal(v)
	entry, _ := json.Marshal(types.LogEntry{Type: typ, Operation: op, Data: data, Timestamp: time.Now()})
	return f.Apply(&raft.Log{Data: entry})
}

func TestFSMSnapshotRestore(t *testing.T) {
	f := NewFSM(nil)
	applyEntry(t, f, "job", "phase", types.JobRecord{JobID: "job-s", Phase: types.PhaseReduce})
	applyEntry(t, f, "task", "transition", types.TaskRecord{JobID: "job-s", TaskID: 3, Kind: types.ReduceTask, State: types.TaskRunning, Attempts: 1})

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	sink := &memSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	snap.Release()

	restored := NewFSM(nil)
	if err := restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if rec, ok := restored.GetJob("job-s"); !ok || rec.Phase != types.PhaseReduce {
		t.Fatalf("Restored job = %+v, %t", rec, ok)
	}
	if tasks := restored.GetTasks("job-s"); len(tasks) != 1 || tasks[0].TaskID != 3 {
		t.Fatalf("Restored tasks = %+v", tasks)
	}
	if restored.GetState().Version != 2 {
		t.Fatalf("Version not restored: %d", restored.GetState().Version)
	}
}

func TestFSMRejectsBadEntries(t *testing.T) {
	f := NewFSM(nil)

	if _, ok := applyEntry(t, f, "worker", "register", nil).(error); !ok {
		t.Fatalf("Unknown type should be rejected")
	}
	if _, ok := applyEntry(t, f, "job", "delete", types.JobRecord{JobID: "x"}).(error); !ok {
		t.Fatalf("Unknown operation should be rejected")
	}
	if _, ok := applyEntry(t, f, "task", "transition", types.TaskRecord{}).(error); !ok {
		t.Fatalf("Task without job ID should be rejected")
	}
	if _, ok := f.Apply(&raft.Log{Data: []byte("{")}).(error); !ok {
		t.Fatalf("Malformed entry should be rejected")
	}

	applyEntry(t, f, "task", "transition", types.TaskRecord{JobID: "j", Kind: types.MapTask, State: types.TaskSucceeded, Attempts: 2})
	if got := applyEntry(t, f, "task", "transition", types.TaskRecord{JobID: "j", Kind: types.MapTask, State: types.TaskRunning, Attempts: 1}); got != "task_stale" {
		t.Fatalf("Older attempt should be ignored, got %v", got)
	}
	if f.GetState().Version != 1 {
		t.Fatalf("Rejected entries changed the version: %d", f.GetState().Version)
	}
}

// TestRaftConsistency checks that every voter converges on the leader's journal.
func TestRaftConsistency(t *testing.T) {
	tmpDir := t.TempDir()
	peers := []string{"master1@127.0.0.1:5111", "master2@127.0.0.1:5112", "master3@127.0.0.1:5113"}

	var nodes []*Cluster
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("master%d", i)
		c, err := NewCluster(Config{
			NodeID:   id,
			BindAddr: "127.0.0.1",
			BindPort: 5110 + i,
			DataDir:  filepath.Join(tmpDir, id),
			Peers:    peers,
			Logger:   logger.Discard(),
		})
		if err != nil {
			t.Fatalf("Failed to create %s: %v", id, err)
		}
		defer c.Close()
		nodes = append(nodes, c)
	}

	var leader *Cluster
	deadline := time.Now().Add(10 * time.Second)
	for leader == nil {
		for _, c := range nodes {
			if c.IsLeader() {
				leader = c
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("No leader elected among 3 voters")
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, c := range nodes {
		if c != leader {
			if err := c.RecordJob(types.JobRecord{JobID: "job-x"}); err == nil {
				t.Fatalf("Follower accepted a journal write")
			}
		}
	}

	if err := leader.RecordJob(types.JobRecord{JobID: "job-c", Phase: types.PhaseMap, Maps: 3}); err != nil {
		t.Fatalf("RecordJob failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := leader.RecordTask(types.TaskRecord{JobID: "job-c", TaskID: i, Kind: types.MapTask, State: types.TaskSucceeded, Attempts: 1}); err != nil {
			t.Fatalf("RecordTask failed: %v", err)
		}
	}

	for _, c := range nodes {
		for {
			_, tasks, _ := c.Lookup("job-c")
			if len(tasks) == 3 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Voter did not converge: %+v", tasks)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	t.Logf("✓ Journal consistent across %d voters, leader %s", len(nodes), leader.GetLeader())
}

// staticMembership hands its callbacks back to the test instead of gossiping.
type staticMembership struct {
	self  string
	join  func(types.Node)
	leave func(string)
}

func (m *staticMembership) LocalNodeID() string {
	return m.self
}

func (m *staticMembership) RegisterJoinCallback(f func(types.Node)) {
	m.join = f
}

func (m *staticMembership) RegisterLeaveCallback(f func(string)) {
	m.leave = f
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestFollowMembership(t *testing.T) {
	tmpDir := t.TempDir()
	leader := newTestCluster(t, 5131, filepath.Join(tmpDir, "master1"))
	defer leader.Close()

	joiner, err := NewCluster(Config{
		NodeID:      "master2",
		BindAddr:    "127.0.0.1",
		BindPort:    5132,
		DataDir:     filepath.Join(tmpDir, "master2"),
		Logger:      logger.Discard(),
		NoBootstrap: true,
	})
	if err != nil {
		t.Fatalf("Failed to create joiner: %v", err)
	}
	defer joiner.Close()

	m := &staticMembership{self: "master1"}
	leader.FollowMembership(m)

	// self and members without a raft address are not voters
	m.join(types.Node{ID: "master1", RaftAddr: "127.0.0.1:5131"})
	m.join(types.Node{ID: "gossip-only"})
	m.join(types.Node{ID: "master2", RaftAddr: "127.0.0.1:5132"})
	eventually(t, "master2 to become a voter", func() bool { return len(leader.GetPeers()) == 2 })
	if _, ok := leader.GetPeers()["gossip-only"]; ok {
		t.Fatalf("Member without a raft address was added")
	}

	if err := leader.RecordJob(types.JobRecord{JobID: "job-m", Phase: types.PhaseMap}); err != nil {
		t.Fatalf("RecordJob failed: %v", err)
	}
	eventually(t, "journal to reach the joiner", func() bool {
		_, _, ok := joiner.Lookup("job-m")
		return ok
	})

	m.leave("master2")
	eventually(t, "master2 to be removed", func() bool { return len(leader.GetPeers()) == 1 })
	if !leader.IsLeader() {
		t.Fatalf("Leader lost leadership after removing a voter")
	}
	t.Logf("✓ Gossip membership drove voter changes: stats=%v", leader.Stats()["num_peers"])
}

// BenchmarkRaftJournal benchmarks task transitions through Raft
func BenchmarkRaftJournal(b *testing.B) {
	c, err := NewCluster(Config{
		NodeID:   "master1",
		BindAddr: "127.0.0.1",
		BindPort: 5120,
		DataDir:  filepath.Join(b.TempDir(), "master1"),
		Logger:   logger.Discard(),
	})
	if err != nil {
		b.Fatalf("Failed to create cluster: %v", err)
	}
	defer c.Close()
	if err := c.WaitForLeader(5 * time.Second); err != nil {
		b.Fatalf("%v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.RecordTask(types.TaskRecord{JobID: "job-b", TaskID: i, Kind: types.MapTask, State: types.TaskRunning, Attempts: 1})
	}
}
