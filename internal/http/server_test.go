package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"DistCount/internal/coordinator"
	"DistCount/internal/logger"
	"DistCount/internal/mapreduce"
	"DistCount/internal/storage"
	"DistCount/internal/types"
)

type staticMembers []types.Node

func (m staticMembers) Members() []types.Node { return m }
func (m staticMembers) Capacity() int {
	n := 0
	for _, node := range m {
		n += node.Slots
	}
	return n
}

// staticJournal serves fixed records as if replicated from other nodes.
type staticJournal struct {
	leader string
	jobs   map[string]types.JobRecord
	tasks  map[string][]types.TaskRecord
}

func (j *staticJournal) IsLeader() bool    { return true }
func (j *staticJournal) GetLeader() string { return j.leader }

func (j *staticJournal) Stats() map[string]string {
	return map[string]string{"state": "Leader", "num_peers": "0"}
}

func (j *staticJournal) GetClusterState() *types.ClusterState {
	state := &types.ClusterState{Jobs: map[string]*types.JobRecord{}, Leader: j.leader}
	for id, rec := range j.jobs {
		state.Jobs[id] = &rec
	}
	return state
}

func (j *staticJournal) Lookup(jobID string) (types.JobRecord, []types.TaskRecord, bool) {
	rec, ok := j.jobs[jobID]
	return rec, j.tasks[jobID], ok
}

// blockingMapper holds every map call until it is closed.
type blockingMapper chan struct{}

func (b blockingMapper) Map(string, mapreduce.Emitter) { <-b }

func boolPtr(v bool) *bool {
	return &v
}

func newTestServer(t *testing.T, opts ServerOpts) (*httptest.Server, *storage.Memory) {
	t.Helper()
	return newTestServerWith(t, opts, coordinator.Config{})
}

func newTestServerWith(t *testing.T, opts ServerOpts, cfg coordinator.Config) (*httptest.Server, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	storage.WriteFile(store, "/in/file01", []byte("Hello World, Bye World!\n"))
	storage.WriteFile(store, "/in/file02", []byte("Hello Hadoop, Goodbye to hadoop.\n"))

	cfg.Store = store
	cfg.Logger = logger.Discard()
	coord, err := coordinator.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	opts.Logger = logger.Discard()
	ts := httptest.NewServer(NewServer(opts, coord).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestSubmitAndPoll(t *testing.T) {
	ts, store := newTestServer(t, ServerOpts{ID: "node1"})

	spec := coordinator.JobSpec{
		Inputs:        []string{"/in"},
		Output:        "/out",
		CaseSensitive: boolPtr(false),
		SkipPatterns:  []string{",", "!", "."},
		Reducers:      2,
	}
	var submitted JobView
	if code := do(t, http.MethodPost, ts.URL+"/jobs", spec, &submitted); code != http.StatusAccepted {
		t.Fatalf("POST /jobs = %d", code)
	}
	if submitted.ID == "" || submitted.Output != "/out" {
		t.Fatalf("Unexpected submit response %+v", submitted)
	}

	var view JobView
	deadline := time.Now().Add(10 * time.Second)
	for {
		if code := do(t, http.MethodGet, ts.URL+"/jobs/"+submitted.ID+"?tasks=true", nil, &view); code != http.StatusOK {
			t.Fatalf("GET /jobs/{id} = %d", code)
		}
		if view.Phase.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job did not finish: %+v", view.JobStatus)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if view.Phase != types.PhaseCompleted || len(view.Tasks) != 4 || view.Words != 9 {
		t.Fatalf("Unexpected final view %+v", view)
	}
	if view.Spec == nil || view.Spec.CaseSensitive == nil || *view.Spec.CaseSensitive || view.Spec.Reducers != 2 {
		t.Fatalf("Unexpected job spec %+v", view.Spec)
	}
	got, _ := mapreduce.ReadOutput(store, "/out")
	if got["hello"] != 2 || got["hadoop"] != 2 {
		t.Fatalf("Unexpected output %v", got)
	}

	var jobs []types.JobStatus
	if code := do(t, http.MethodGet, ts.URL+"/jobs", nil, &jobs); code != http.StatusOK || len(jobs) != 1 {
		t.Fatalf("GET /jobs = %d %+v", code, jobs)
	}
}

func TestSubmitWait(t *testing.T) {
	ts, store := newTestServer(t, ServerOpts{})

	var view JobView
	spec := coordinator.JobSpec{Inputs: []string{"/in/file01"}, Output: "/out"}
	if code := do(t, http.MethodPost, ts.URL+"/jobs?wait=true&timeout=10s", spec, &view); code != http.StatusOK {
		t.Fatalf("POST /jobs?wait=true = %d", code)
	}
	if view.Phase != types.PhaseCompleted || view.Records != 1 {
		t.Fatalf("Unexpected view %+v", view)
	}

	// an omitted case_sensitive counts case sensitively
	var polled JobView
	do(t, http.MethodGet, ts.URL+"/jobs/"+view.ID, nil, &polled)
	if polled.Spec == nil || polled.Spec.CaseSensitive == nil || !*polled.Spec.CaseSensitive {
		t.Fatalf("Unexpected job spec %+v", polled.Spec)
	}
	got, _ := mapreduce.ReadOutput(store, "/out")
	if got["Hello"] != 1 || got["hello"] != 0 {
		t.Fatalf("Unexpected output %v", got)
	}
}

func TestSubmitWaitTimeout(t *testing.T) {
	release := make(chan struct{})
	ts, _ := newTestServerWith(t, ServerOpts{}, coordinator.Config{
		NewMapper: func(bool, *mapreduce.SkipPatterns) mapreduce.Mapper { return blockingMapper(release) },
	})
	t.Cleanup(func() { close(release) })

	var view JobView
	spec := coordinator.JobSpec{Inputs: []string{"/in/file01"}, Output: "/out"}
	if code := do(t, http.MethodPost, ts.URL+"/jobs?wait=true&timeout=50ms", spec, &view); code != http.StatusAccepted {
		t.Fatalf("POST /jobs?wait=true&timeout=50ms = %d", code)
	}
	if view.ID == "" || view.Phase.Terminal() {
		t.Fatalf("Unexpected view %+v", view)
	}

	var body errorBody
	spec.Output = "/out2"
	if code := do(t, http.MethodPost, ts.URL+"/jobs?wait=true&timeout=soon", spec, &body); code != http.StatusBadRequest {
		t.Fatalf("Bad timeout = %d %+v", code, body)
	}
	var jobs []types.JobStatus
	do(t, http.MethodGet, ts.URL+"/jobs", nil, &jobs)
	if len(jobs) != 1 {
		t.Fatalf("Bad timeout still submitted a job: %+v", jobs)
	}
}

func TestSubmitErrors(t *testing.T) {
	ts, _ := newTestServer(t, ServerOpts{})

	cases := []struct {
		name string
		body any
		want int
	}{
		{"no output", coordinator.JobSpec{Inputs: []string{"/in"}}, http.StatusBadRequest},
		{"missing inputs", coordinator.JobSpec{Inputs: []string{"/nope"}, Output: "/out"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"inputs": []string{"/in"}, "output": "/out", "mapper": "grep"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		var body errorBody
		if code := do(t, http.MethodPost, ts.URL+"/jobs", tc.body, &body); code != tc.want || body.Error == "" {
			t.Fatalf("%s: got %d %+v, want %d", tc.name, code, body, tc.want)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, ServerOpts{})

	var body errorBody
	if code := do(t, http.MethodGet, ts.URL+"/jobs/job-missing", nil, &body); code != http.StatusNotFound {
		t.Fatalf("GET unknown job = %d", code)
	}
	if code := do(t, http.MethodDelete, ts.URL+"/jobs/job-missing", nil, &body); code != http.StatusNotFound {
		t.Fatalf("DELETE unknown job = %d", code)
	}
}

func TestJournaledJob(t *testing.T) {
	finished := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	journal := &staticJournal{
		jobs: map[string]types.JobRecord{
			"job-remote": {JobID: "job-remote", Phase: types.PhaseReduce, Output: "/remote", Maps: 3, Reduces: 2},
			"job-failed": {JobID: "job-failed", Phase: types.PhaseFailed, Maps: 1, Reduces: 1, Error: "task failed", UpdatedAt: finished},
		},
		tasks: map[string][]types.TaskRecord{
			"job-remote": {
				{JobID: "job-remote", TaskID: 0, Kind: types.MapTask, State: types.TaskSucceeded, Attempts: 1},
				{JobID: "job-remote", TaskID: 1, Kind: types.MapTask, State: types.TaskSucceeded, Attempts: 2},
				{JobID: "job-remote", TaskID: 2, Kind: types.MapTask, State: types.TaskSucceeded, Attempts: 1},
				{JobID: "job-remote", TaskID: 0, Kind: types.ReduceTask, State: types.TaskRunning, Attempts: 1},
			},
			"job-failed": {
				{JobID: "job-failed", TaskID: 0, Kind: types.MapTask, State: types.TaskFailed, Attempts: 3, Error: "storage unavailable"},
			},
		},
	}
	ts, _ := newTestServer(t, ServerOpts{ID: "node2", Raft: journal})

	var view JobView
	if code := do(t, http.MethodGet, ts.URL+"/jobs/job-remote?tasks=true", nil, &view); code != http.StatusOK {
		t.Fatalf("GET journaled job = %d", code)
	}
	want := types.TaskCounts{Succeeded: 3}
	if !view.Journaled || view.Phase != types.PhaseReduce || view.Output != "/remote" || view.Maps != want {
		t.Fatalf("Unexpected journaled view %+v", view)
	}
	if view.Reduces != (types.TaskCounts{Running: 1, Pending: 1}) || view.Attempts != 5 || len(view.TaskRecords) != 4 {
		t.Fatalf("Unexpected journaled tasks %+v", view)
	}

	var failed JobView
	if code := do(t, http.MethodGet, ts.URL+"/jobs/job-failed", nil, &failed); code != http.StatusOK {
		t.Fatalf("GET failed journaled job = %d", code)
	}
	if failed.FailedTask != "map-0" || failed.Error != "task failed" || !failed.FinishedAt.Equal(finished) || failed.Reduces.Pending != 1 || failed.TaskRecords != nil {
		t.Fatalf("Unexpected failed view %+v", failed)
	}

	var body errorBody
	if code := do(t, http.MethodGet, ts.URL+"/jobs/job-unknown", nil, &body); code != http.StatusNotFound {
		t.Fatalf("GET unknown job = %d", code)
	}
}

func TestCancelJob(t *testing.T) {
	ts, _ := newTestServer(t, ServerOpts{})

	var submitted JobView
	spec := coordinator.JobSpec{Inputs: []string{"/in"}, Output: "/out"}
	do(t, http.MethodPost, ts.URL+"/jobs", spec, &submitted)

	var view JobView
	if code := do(t, http.MethodDelete, ts.URL+"/jobs/"+submitted.ID, nil, &view); code != http.StatusAccepted {
		t.Fatalf("DELETE /jobs/{id} = %d", code)
	}

	// the job may already have completed before the cancel arrived
	deadline := time.Now().Add(10 * time.Second)
	for !view.Phase.Terminal() {
		if time.Now().After(deadline) {
			t.Fatalf("Job did not stop: %+v", view.JobStatus)
		}
		time.Sleep(20 * time.Millisecond)
		do(t, http.MethodGet, ts.URL+"/jobs/"+submitted.ID, nil, &view)
	}
	if view.Phase != types.PhaseCancelled && view.Phase != types.PhaseCompleted {
		t.Fatalf("Unexpected phase after cancel: %s", view.Phase)
	}
}

func TestClusterView(t *testing.T) {
	members := staticMembers{
		{ID: "node1", Address: "127.0.0.1:7946", HTTPAddr: "127.0.0.1:8080", Slots: 4},
		{ID: "node2", Address: "127.0.0.1:7947", HTTPAddr: "127.0.0.1:8081", Slots: 2},
	}
	journal := &staticJournal{
		leader: "127.0.0.1:5001",
		jobs:   map[string]types.JobRecord{"job-remote": {JobID: "job-remote", Phase: types.PhaseCompleted}},
	}
	ts, _ := newTestServer(t, ServerOpts{ID: "node1", Members: members, Raft: journal})

	var view ClusterView
	if code := do(t, http.MethodGet, ts.URL+"/cluster", nil, &view); code != http.StatusOK {
		t.Fatalf("GET /cluster = %d", code)
	}
	if view.NodeID != "node1" || view.Capacity != 6 || len(view.Members) != 2 || !view.IsLeader || view.Leader != "127.0.0.1:5001" {
		t.Fatalf("Unexpected cluster view %+v", view)
	}
	if view.Jobs != 0 || view.JournaledJobs != 1 || view.Raft["state"] != "Leader" {
		t.Fatalf("Unexpected journal view %+v", view)
	}

	var health map[string]string
	if code := do(t, http.MethodGet, ts.URL+"/healthz", nil, &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("GET /healthz = %d %v", code, health)
	}
}

func TestStartShutdown(t *testing.T) {
	coord, err := coordinator.New(coordinator.Config{Store: storage.NewMemory(), Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	defer coord.Close()

	srv := NewServer(ServerOpts{ID: "n", Addr: "127.0.0.1:0", Logger: logger.Discard()}, coord)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var health map[string]string
	if code := do(t, http.MethodGet, fmt.Sprintf("http://%s/healthz", srv.Addr()), nil, &health); code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr())); err == nil {
		t.Fatalf("Server still serving after shutdown")
	}
}

func TestStatusCode(t *testing.T) {
	cases := map[error]int{
		types.ErrConfig:                                  http.StatusBadRequest,
		fmt.Errorf("x: %w", types.ErrInvalidInput):       http.StatusBadRequest,
		fmt.Errorf("x: %w", types.ErrNotFound):           http.StatusNotFound,
		fmt.Errorf("x: %w", types.ErrStorageUnavailable): http.StatusServiceUnavailable,
		types.ErrCancelled:                               http.StatusConflict,
		errors.New("boom"):                               http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusCode(err); got != want {
			t.Fatalf("statusCode(%v) = %d, want %d", err, got, want)
		}
	}
}
