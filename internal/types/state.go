package types

import (
	"fmt"
	"time"
)

// TaskKind distinguishes map tasks from reduce tasks.
type TaskKind string

const (
	MapTask    TaskKind = "map"
	ReduceTask TaskKind = "reduce"
)

// TaskState is the lifecycle state of a single task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Phase is the phase of a job.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseMap            Phase = "map"
	PhaseShuffleBarrier Phase = "shuffle_barrier"
	PhaseReduce         Phase = "reduce"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseCancelled      Phase = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Split is a contiguous byte range of one input file.
type Split struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// End returns the first offset past the split.
func (s Split) End() int64 {
	return s.Offset + s.Length
}

func (s Split) String() string {
	return fmt.Sprintf("%s:%d+%d", s.Path, s.Offset, s.Length)
}

// KeyValue is the intermediate pair produced by mappers.
type KeyValue struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

// Task represents a single map or reduce task.
// Only the coordinator's run loop mutates a Task.
type Task struct {
	ID        int       `json:"id"`
	Kind      TaskKind  `json:"kind"`
	Split     Split     `json:"split,omitempty"`
	Partition int       `json:"partition"`
	State     TaskState `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// Name returns a stable human readable task name, e.g. "map-3".
func (t *Task) Name() string {
	return fmt.Sprintf("%s-%d", t.Kind, t.ID)
}

// Partition holds the grouped intermediate values routed to one reducer.
// Keys is sorted ascending.
type Partition struct {
	Index  int
	Keys   []string
	Values map[string][]int
}

// JobState is the per-job bookkeeping owned by the coordinator.
type JobState struct {
	TotalMaps        int
	TotalReduces     int
	CompletedMaps    int
	CompletedReduces int
	SkipPatterns     []string
	CaseSensitive    bool
}

// TaskCounts summarises the states of one kind of task.
type TaskCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total returns the number of tasks counted.
func (c TaskCounts) Total() int {
	return c.Pending + c.Running + c.Succeeded + c.Failed
}

// JobStatus is the externally visible snapshot of a job.
type JobStatus struct {
	ID         string     `json:"id"`
	Phase      Phase      `json:"phase"`
	Maps       TaskCounts `json:"maps"`
	Reduces    TaskCounts `json:"reduces"`
	Attempts   int        `json:"attempts"`
	Records    int64      `json:"records"`
	Words      int64      `json:"words"`
	Output     string     `json:"output"`
	FailedTask string     `json:"failed_task,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}
