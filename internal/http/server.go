package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"DistCount/internal/coordinator"
	"DistCount/internal/logger"
	"DistCount/internal/types"
)

// Membership reports live cluster members, e.g. from gossip.
type Membership interface {
	Members() []types.Node
	Capacity() int
}

// Journal is the replicated job journal of this node.
type Journal interface {
	IsLeader() bool
	GetLeader() string
	Stats() map[string]string
	GetClusterState() *types.ClusterState
	Lookup(jobID string) (types.JobRecord, []types.TaskRecord, bool)
}

type ServerOpts struct {
	ID      string
	Addr    string         // listen address, e.g. ":8080"
	Members Membership     // optional
	Raft    Journal        // optional
	Logger  *logger.Logger // optional
}

// Server exposes a Coordinator over HTTP with JSON bodies.
type Server struct {
	opts   ServerOpts
	coord  *coordinator.Coordinator
	logger *logger.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// ClusterView is the response of GET /cluster.
type ClusterView struct {
	NodeID   string       `json:"node_id"`
	Leader   string       `json:"leader,omitempty"`
	IsLeader bool         `json:"is_leader"`
	Members  []types.Node `json:"members"`
	Capacity int          `json:"capacity"`
	Jobs     int          `json:"jobs"`

	JournaledJobs int               `json:"journaled_jobs"`
	Raft          map[string]string `json:"raft,omitempty"`
}

// JobView is the response of the job endpoints. A job run by another node is
// served from the journal: Journaled is set and TaskRecords carries its tasks.
type JobView struct {
	types.JobStatus
	Spec        *coordinator.JobSpec `json:"spec,omitempty"`
	Tasks       []types.Task         `json:"tasks,omitempty"`
	Journaled   bool                 `json:"journaled,omitempty"`
	TaskRecords []types.TaskRecord   `json:"task_records,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func NewServer(opts ServerOpts, coord *coordinator.Coordinator) *Server {
	lg := opts.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &Server{
		opts:   opts,
		coord:  coord,
		logger: lg.Named("http"),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.submitJob)
	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.cancelJob)
	mux.HandleFunc("GET /cluster", s.cluster)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node_id": s.opts.ID})
	})
	return mux
}

// Start listens on opts.Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("HTTP server listening: node_id=%s addr=%s", s.opts.ID, ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// submitJob accepts a JobSpec. With ?wait=true the response is sent once the
// job is terminal, or with 202 if the request ends first. ?timeout bounds the
// wait, e.g. ?wait=true&timeout=30s.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait") == "true"
	var timeout time.Duration
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			s.writeError(w, fmt.Errorf("invalid timeout %q: %w", t, types.ErrConfig))
			return
		}
		timeout = d
	}

	var spec coordinator.JobSpec
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		s.writeError(w, fmt.Errorf("invalid job spec: %w: %w", types.ErrConfig, err))
		return
	}

	job, err := s.coord.Submit(r.Context(), spec)
	if err != nil {
		s.logger.Warn("Job rejected: remote=%s err=%v", r.RemoteAddr, err)
		s.writeError(w, err)
		return
	}
	s.logger.Info("Job accepted: job_id=%s remote=%s", job.ID(), r.RemoteAddr)

	if !wait {
		s.writeJSON(w, http.StatusAccepted, JobView{JobStatus: job.Status()})
		return
	}

	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	st, err := job.Wait(ctx)
	if err != nil && !st.Phase.Terminal() {
		s.logger.Debug("Stopped waiting for job: job_id=%s phase=%s err=%v", job.ID(), st.Phase, err)
		s.writeJSON(w, http.StatusAccepted, JobView{JobStatus: st})
		return
	}
	s.writeJSON(w, http.StatusOK, JobView{JobStatus: st})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Jobs())
}

// getJob serves a local job, falling back to the journal for jobs run by
// other nodes.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	withTasks := r.URL.Query().Get("tasks") == "true"

	job, ok := s.coord.Job(id)
	if !ok {
		s.getJournaledJob(w, id, withTasks)
		return
	}
	spec := job.Spec()
	view := JobView{JobStatus: job.Status(), Spec: &spec}
	if withTasks {
		view.Tasks = job.Tasks()
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) getJournaledJob(w http.ResponseWriter, id string, withTasks bool) {
	if s.opts.Raft == nil {
		s.writeError(w, fmt.Errorf("job %s: %w", id, types.ErrNotFound))
		return
	}
	rec, tasks, ok := s.opts.Raft.Lookup(id)
	if !ok {
		s.writeError(w, fmt.Errorf("job %s: %w", id, types.ErrNotFound))
		return
	}
	view := JobView{JobStatus: journaledStatus(rec, tasks), Journaled: true}
	if withTasks {
		view.TaskRecords = tasks
	}
	s.writeJSON(w, http.StatusOK, view)
}

// journaledStatus rebuilds a status from journal records. Tasks without a
// record have not been dispatched yet. Counters live only on the running node.
func journaledStatus(rec types.JobRecord, tasks []types.TaskRecord) types.JobStatus {
	st := types.JobStatus{
		ID:     rec.JobID,
		Phase:  rec.Phase,
		Output: rec.Output,
		Error:  rec.Error,
	}
	if rec.Phase.Terminal() {
		st.FinishedAt = rec.UpdatedAt
	}

	seen := map[types.TaskKind]int{}
	for _, t := range tasks {
		counts := &st.Maps
		if t.Kind == types.ReduceTask {
			counts = &st.Reduces
		}
		switch t.State {
		case types.TaskPending:
			counts.Pending++
		case types.TaskRunning:
			counts.Running++
		case types.TaskSucceeded:
			counts.Succeeded++
		case types.TaskFailed:
			counts.Failed++
			if st.FailedTask == "" {
				st.FailedTask = fmt.Sprintf("%s-%d", t.Kind, t.TaskID)
			}
		}
		seen[t.Kind]++
		st.Attempts += t.Attempts
	}
	st.Maps.Pending += max(rec.Maps-seen[types.MapTask], 0)
	st.Reduces.Pending += max(rec.Reduces-seen[types.ReduceTask], 0)
	return st
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.coord.Job(r.PathValue("id"))
	if !ok {
		s.writeError(w, fmt.Errorf("job %s: %w", r.PathValue("id"), types.ErrNotFound))
		return
	}
	job.Cancel()
	s.logger.Info("Job cancel requested: job_id=%s remote=%s", job.ID(), r.RemoteAddr)
	s.writeJSON(w, http.StatusAccepted, JobView{JobStatus: job.Status()})
}

func (s *Server) cluster(w http.ResponseWriter, r *http.Request) {
	view := ClusterView{
		NodeID:  s.opts.ID,
		Members: []types.Node{},
		Jobs:    len(s.coord.Jobs()),
	}
	if s.opts.Members != nil {
		view.Members = s.opts.Members.Members()
		view.Capacity = s.opts.Members.Capacity()
	}
	if s.opts.Raft != nil {
		view.Leader = s.opts.Raft.GetLeader()
		view.IsLeader = s.opts.Raft.IsLeader()
		view.JournaledJobs = len(s.opts.Raft.GetClusterState().Jobs)
		view.Raft = s.opts.Raft.Stats()
	}
	s.writeJSON(w, http.StatusOK, view)
}

// statusCode maps error kinds to HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, types.ErrConfig), errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusCode(err), errorBody{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response write failed: %v", err)
	}
}
