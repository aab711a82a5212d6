package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DistCount/internal/logger"
	"DistCount/internal/mapreduce"
	"DistCount/internal/types"
)

// Job is the handle of a submitted job.
//
// The run loop is the only writer of the job's tasks, phase and counters.
// Workers report through channels and never touch shared state.
type Job struct {
	id      string
	spec    JobSpec
	coord   *Coordinator
	logger  *logger.Logger
	mapper  mapreduce.Mapper
	shuffle *mapreduce.Shuffle

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	phase      types.Phase
	state      types.JobState
	maps       []*types.Task
	reduces    []*types.Task
	progress   map[int][2]int64 // running map task -> records, words
	records    int64
	words      int64
	failedTask string
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// work is one task attempt handed to a worker.
type work struct {
	task    types.Task
	attempt int
}

// result is reported by a worker when an attempt ends.
type result struct {
	kind      types.TaskKind
	taskID    int
	mapOut    *mapreduce.MapOutput
	reduceOut *mapreduce.ReduceOutput
	err       error
}

type progressEvent struct {
	kind    types.TaskKind
	taskID  int
	attempt int
	records int64
	words   int64
}

func newJob(id string, spec JobSpec, c *Coordinator, skip *mapreduce.SkipPatterns, splits []types.Split, lg *logger.Logger) *Job {
	ctx, cancel := context.WithCancel(context.Background())

	j := &Job{
		id:        id,
		spec:      spec,
		coord:     c,
		logger:    lg,
		mapper:    c.cfg.NewMapper(*spec.CaseSensitive, skip),
		shuffle:   mapreduce.NewShuffle(spec.Reducers),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		phase:     types.PhasePlanning,
		progress:  make(map[int][2]int64),
		startedAt: time.Now(),
		state: types.JobState{
			TotalMaps:     len(splits),
			TotalReduces:  spec.Reducers,
			SkipPatterns:  skip.Sources(),
			CaseSensitive: *spec.CaseSensitive,
		},
	}

	for i, s := range splits {
		j.maps = append(j.maps, &types.Task{ID: i, Kind: types.MapTask, Split: s, State: types.TaskPending})
	}
	for r := 0; r < spec.Reducers; r++ {
		j.reduces = append(j.reduces, &types.Task{ID: r, Kind: types.ReduceTask, Partition: r, State: types.TaskPending})
	}
	return j
}

// ID returns the job ID
func (j *Job) ID() string {
	return j.id
}

// Spec returns the normalized submission.
func (j *Job) Spec() JobSpec {
	return j.spec
}

// Done is closed when the job reaches a terminal phase.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel asks the job to stop. Running tasks finish their current split or
// partition; nothing new is dispatched.
func (j *Job) Cancel() {
	j.cancel()
}

// Wait blocks until the job finishes or ctx is done. The returned error is the
// job's failure, if any.
func (j *Job) Wait(ctx context.Context) (types.JobStatus, error) {
	select {
	case <-j.done:
		st := j.Status()
		j.mu.RLock()
		err := j.err
		j.mu.RUnlock()
		return st, err
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

// State returns a copy of the job bookkeeping.
func (j *Job) State() types.JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	st := j.state
	st.SkipPatterns = append([]string(nil), j.state.SkipPatterns...)
	return st
}

// Tasks returns copies of every task.
func (j *Job) Tasks() []types.Task {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]types.Task, 0, len(j.maps)+len(j.reduces))
	for _, t := range j.maps {
		out = append(out, *t)
	}
	for _, t := range j.reduces {
		out = append(out, *t)
	}
	return out
}

// Status returns a snapshot of the job.
func (j *Job) Status() types.JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	st := types.JobStatus{
		ID:         j.id,
		Phase:      j.phase,
		Maps:       countTasks(j.maps),
		Reduces:    countTasks(j.reduces),
		Records:    j.records,
		Words:      j.words,
		Output:     j.spec.Output,
		FailedTask: j.failedTask,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	for _, p := range j.progress {
		st.Records += p[0]
		st.Words += p[1]
	}
	for _, t := range j.maps {
		st.Attempts += t.Attempts
	}
	for _, t := range j.reduces {
		st.Attempts += t.Attempts
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st
}

func countTasks(tasks []*types.Task) types.TaskCounts {
	var c types.TaskCounts
	for _, t := range tasks {
		switch t.State {
		case types.TaskPending:
			c.Pending++
		case types.TaskRunning:
			c.Running++
		case types.TaskSucceeded:
			c.Succeeded++
		case types.TaskFailed:
			c.Failed++
		}
	}
	return c
}

// run drives Planning -> MapPhase -> ShuffleBarrier -> ReducePhase -> Completed.
func (j *Job) run() {
	defer close(j.done)
	defer j.cancel()

	workers := j.coord.cfg.Workers
	dispatch := make(chan work)
	events := make(chan result, workers)
	progress := make(chan progressEvent, workers*4)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(workerID int) {
			defer wg.Done()
			j.worker(workerID, dispatch, events, progress)
		}(w)
	}
	defer func() {
		close(dispatch)
		wg.Wait()
	}()

	j.setPhase(types.PhaseMap)
	if err := j.runPhase(j.maps, dispatch, events, progress); err != nil {
		j.finish(err)
		return
	}

	j.setPhase(types.PhaseShuffleBarrier)
	j.shuffle.Seal()
	j.logger.Info("Shuffle barrier reached: maps=%d pairs=%d partitions=%d",
		len(j.maps), j.shuffle.Pairs(), j.shuffle.NumPartitions())

	if j.ctx.Err() != nil {
		j.finish(types.ErrCancelled)
		return
	}

	j.setPhase(types.PhaseReduce)
	if err := j.runPhase(j.reduces, dispatch, events, progress); err != nil {
		j.finish(err)
		return
	}

	if err := mapreduce.CommitJob(j.coord.cfg.Store, j.spec.Output); err != nil {
		j.finish(fmt.Errorf("failed to commit job output: %w", err))
		return
	}
	j.finish(nil)
}

// runPhase schedules every task of one phase on the pool and returns once all
// of them succeeded, one exhausted its retries, or the job was cancelled.
func (j *Job) runPhase(tasks []*types.Task, dispatch chan<- work, events <-chan result, progress <-chan progressEvent) error {
	queue := make([]int, 0, len(tasks))
	for i := range tasks {
		queue = append(queue, i)
	}

	cancelled := j.ctx.Done()
	workers := j.coord.cfg.Workers
	inflight := 0
	var fatal error

	for {
		for fatal == nil && j.ctx.Err() == nil && inflight < workers && len(queue) > 0 {
			t := tasks[queue[0]]
			queue = queue[1:]
			w := j.markRunning(t)
			dispatch <- w
			inflight++
		}

		if inflight == 0 {
			switch {
			case fatal != nil:
				return fatal
			case len(queue) == 0:
				return nil
			case j.ctx.Err() != nil:
				return types.ErrCancelled
			}
		}

		select {
		case r := <-events:
			inflight--
			t := tasks[r.taskID]
			if r.err == nil {
				if err := j.markSucceeded(t, r); err != nil && fatal == nil {
					fatal = err
				}
				continue
			}
			if j.retry(t, r.err) {
				queue = append(queue, r.taskID)
				continue
			}
			if fatal == nil {
				fatal = j.markFailed(t, r.err)
			}

		case p := <-progress:
			j.recordProgress(tasks, p)

		case <-cancelled:
			j.logger.Info("Cancellation requested: inflight=%d queued=%d", inflight, len(queue))
			cancelled = nil
		}
	}
}

// recordProgress keeps the latest counters of a running attempt. Events of
// finished attempts or of the previous phase are dropped.
func (j *Job) recordProgress(tasks []*types.Task, p progressEvent) {
	if p.taskID < 0 || p.taskID >= len(tasks) {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	t := tasks[p.taskID]
	if t.Kind != p.kind || t.State != types.TaskRunning || t.Attempts != p.attempt {
		return
	}
	j.progress[p.taskID] = [2]int64{p.records, p.words}
}

func (j *Job) markRunning(t *types.Task) work {
	j.mu.Lock()
	t.State = types.TaskRunning
	t.Attempts++
	w := work{task: *t, attempt: t.Attempts}
	j.mu.Unlock()

	j.logger.Debug("Task dispatched: task=%s attempt=%d", t.Name(), w.attempt)
	j.journalTask(w.task)
	return w
}

func (j *Job) markSucceeded(t *types.Task, r result) error {
	if r.mapOut != nil {
		if err := j.shuffle.Ingest(r.mapOut); err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
	}

	j.mu.Lock()
	t.State = types.TaskSucceeded
	t.LastError = ""
	switch t.Kind {
	case types.MapTask:
		j.state.CompletedMaps++
		delete(j.progress, t.ID)
		j.records += r.mapOut.Records
		j.words += r.mapOut.Words
	case types.ReduceTask:
		j.state.CompletedReduces++
	}
	snapshot := *t
	j.mu.Unlock()

	if r.reduceOut != nil {
		j.logger.Info("Task succeeded: task=%s attempt=%d output=%s keys=%d", t.Name(), snapshot.Attempts, r.reduceOut.Path, r.reduceOut.Keys)
	} else {
		j.logger.Info("Task succeeded: task=%s attempt=%d split=%s records=%d words=%d",
			t.Name(), snapshot.Attempts, t.Split, r.mapOut.Records, r.mapOut.Words)
	}
	j.journalTask(snapshot)
	return nil
}

// retry puts t back to Pending when another attempt is allowed.
func (j *Job) retry(t *types.Task, err error) bool {
	j.mu.Lock()
	ok := types.IsRetryable(err) && t.Attempts < j.spec.RetryLimit
	if ok {
		t.State = types.TaskPending
		t.LastError = err.Error()
		delete(j.progress, t.ID)
	}
	snapshot := *t
	j.mu.Unlock()

	if ok {
		j.logger.Warn("Task attempt failed, retrying: task=%s attempt=%d/%d err=%v", t.Name(), snapshot.Attempts, j.spec.RetryLimit, err)
		j.journalTask(snapshot)
	}
	return ok
}

func (j *Job) markFailed(t *types.Task, err error) error {
	j.mu.Lock()
	t.State = types.TaskFailed
	t.LastError = err.Error()
	delete(j.progress, t.ID)
	j.failedTask = t.Name()
	snapshot := *t
	j.mu.Unlock()

	j.logger.Error("Task failed: task=%s attempts=%d err=%v", t.Name(), snapshot.Attempts, err)
	j.journalTask(snapshot)

	if errors.Is(err, types.ErrConfig) {
		return fmt.Errorf("%s: %w", t.Name(), err)
	}
	return fmt.Errorf("%s after %d attempts: %w: %w", t.Name(), snapshot.Attempts, types.ErrTaskFailed, err)
}

func (j *Job) setPhase(p types.Phase) {
	j.mu.Lock()
	j.phase = p
	j.mu.Unlock()

	j.logger.Info("Phase changed: phase=%s", p)
	j.journalJob()
}

func (j *Job) finish(err error) {
	phase := types.PhaseCompleted
	switch {
	case errors.Is(err, types.ErrCancelled):
		phase = types.PhaseCancelled
	case err != nil:
		phase = types.PhaseFailed
	}

	j.mu.Lock()
	j.phase = phase
	j.err = err
	j.finishedAt = time.Now()
	elapsed := j.finishedAt.Sub(j.startedAt)
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("Job finished: phase=%s elapsed=%s err=%v", phase, elapsed, err)
	} else {
		j.logger.Info("Job finished: phase=%s elapsed=%s output=%s", phase, elapsed, j.spec.Output)
	}
	j.journalJob()
}

func (j *Job) journalJob() {
	j.mu.RLock()
	rec := types.JobRecord{
		JobID:     j.id,
		Phase:     j.phase,
		Output:    j.spec.Output,
		Maps:      len(j.maps),
		Reduces:   len(j.reduces),
		UpdatedAt: time.Now(),
	}
	if j.err != nil {
		rec.Error = j.err.Error()
	}
	j.mu.RUnlock()

	if err := j.coord.cfg.Journal.RecordJob(rec); err != nil {
		j.logger.Warn("Failed to journal job: phase=%s err=%v", rec.Phase, err)
	}
}

func (j *Job) journalTask(t types.Task) {
	rec := types.TaskRecord{
		JobID:    j.id,
		TaskID:   t.ID,
		Kind:     t.Kind,
		State:    t.State,
		Attempts: t.Attempts,
		Error:    t.LastError,
	}
	if err := j.coord.cfg.Journal.RecordTask(rec); err != nil {
		j.logger.Warn("Failed to journal task: task=%s state=%s err=%v", t.Name(), t.State, err)
	}
}
