package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"DistCount/internal/logger"
	"DistCount/internal/types"

	raft "github.com/hashicorp/raft"
)

// FSM implements the Finite State Machine for Raft
// It holds the replicated job journal that all nodes agree on
type FSM struct {
	mu     sync.RWMutex
	state  *types.ClusterState
	logger *logger.Logger
}

func newState() *types.ClusterState {
	return &types.ClusterState{
		Jobs:  make(map[string]*types.JobRecord),
		Tasks: make(map[string]*types.TaskRecord),
	}
}

// NewFSM creates a new FSM with empty state
func NewFSM(lg *logger.Logger) *FSM {
	if lg == nil {
		lg = logger.Discard()
	}
	return &FSM{state: newState(), logger: lg.Named("fsm")}
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.logger.Debug("Applying log entry: type=%s operation=%s index=%d", entry.Type, entry.Operation, log.Index)

	switch entry.Type {
	case "job":
		return f.applyJob(&entry)
	case "task":
		return f.applyTask(&entry)
	default:
		f.logger.Warn("Unknown log entry type: %s", entry.Type)
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

func (f *FSM) applyJob(entry *types.LogEntry) interface{} {
	if entry.Operation != "phase" {
		f.logger.Warn("Unknown job operation: %s", entry.Operation)
		return fmt.Errorf("unknown job operation: %s", entry.Operation)
	}

	var rec types.JobRecord
	if err := json.Unmarshal(entry.Data, &rec); err != nil || rec.JobID == "" {
		f.logger.Error("Invalid job record: %v", err)
		return fmt.Errorf("invalid job record: %w", types.ErrInvalidInput)
	}

	f.state.Jobs[rec.JobID] = &rec
	f.state.Version++
	f.logger.Debug("Job recorded: job_id=%s phase=%s", rec.JobID, rec.Phase)
	return "job_recorded"
}

func (f *FSM) applyTask(entry *types.LogEntry) interface{} {
	if entry.Operation != "transition" {
		f.logger.Warn("Unknown task operation: %s", entry.Operation)
		return fmt.Errorf("unknown task operation: %s", entry.Operation)
	}

	var rec types.TaskRecord
	if err := json.Unmarshal(entry.Data, &rec); err != nil || rec.JobID == "" {
		f.logger.Error("Invalid task record: %v", err)
		return fmt.Errorf("invalid task record: %w", types.ErrInvalidInput)
	}

	key := types.TaskKey(rec.JobID, rec.Kind, rec.TaskID)
	if prev, ok := f.state.Tasks[key]; ok && prev.Attempts > rec.Attempts {
		// stale transition of an earlier attempt
		return "task_stale"
	}
	f.state.Tasks[key] = &rec
	f.state.Version++
	f.logger.Debug("Task recorded: task=%s state=%s attempts=%d", key, rec.State, rec.Attempts)
	return "task_recorded"
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{state: f.copyState()}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := newState()
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Jobs == nil {
		state.Jobs = make(map[string]*types.JobRecord)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]*types.TaskRecord)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("State restored from snapshot: jobs=%d tasks=%d version=%d", len(state.Jobs), len(state.Tasks), state.Version)
	return nil
}

// copyState must be called with f.mu held.
func (f *FSM) copyState() *types.ClusterState {
	c := newState()
	c.Leader = f.state.Leader
	c.Version = f.state.Version
	for k, v := range f.state.Jobs {
		rec := *v
		c.Jobs[k] = &rec
	}
	for k, v := range f.state.Tasks {
		rec := *v
		c.Tasks[k] = &rec
	}
	return c
}

// GetState returns a copy of the current cluster state
func (f *FSM) GetState() *types.ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.copyState()
}

// GetJob returns a job record by ID
func (f *FSM) GetJob(jobID string) (types.JobRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.state.Jobs[jobID]
	if !ok {
		return types.JobRecord{}, false
	}
	return *rec, true
}

// GetTasks returns the task records of a job, ordered by kind then task ID.
func (f *FSM) GetTasks(jobID string) []types.TaskRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []types.TaskRecord
	for _, rec := range f.state.Tasks {
		if rec.JobID == jobID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Kind != out[k].Kind {
			return out[i].Kind < out[k].Kind
		}
		return out[i].TaskID < out[k].TaskID
	})
	return out
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	state *types.ClusterState
}

// Persist writes the snapshot to a sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

// Release is called when we are done with the snapshot
func (s *snapshot) Release() {}
