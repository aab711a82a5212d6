package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Node is a cluster member advertising worker capacity.
type Node struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	HTTPAddr string `json:"http_addr,omitempty"`
	RaftAddr string `json:"raft_addr,omitempty"`
	Slots    int    `json:"slots"`
}

// JobRecord is the replicated summary of a job.
type JobRecord struct {
	JobID     string    `json:"job_id"`
	Phase     Phase     `json:"phase"`
	Output    string    `json:"output"`
	Maps      int       `json:"maps"`
	Reduces   int       `json:"reduces"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskRecord is the replicated state of one task of a job.
type TaskRecord struct {
	JobID    string    `json:"job_id"`
	TaskID   int       `json:"task_id"`
	Kind     TaskKind  `json:"kind"`
	State    TaskState `json:"state"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// ClusterState represents the shared state across all Raft nodes
type ClusterState struct {
	Jobs    map[string]*JobRecord  `json:"jobs"`
	Tasks   map[string]*TaskRecord `json:"tasks"`
	Leader  string                 `json:"leader"`
	Version int64                  `json:"version"`
}

// LogEntry represents an entry in the Raft log
type LogEntry struct {
	Type      string          `json:"type"`      // "job", "task"
	Operation string          `json:"operation"` // "submit", "phase", "transition"
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskKey is the key of a task in ClusterState.Tasks.
func TaskKey(jobID string, kind TaskKind, taskID int) string {
	return fmt.Sprintf("%s/%s-%d", jobID, kind, taskID)
}
