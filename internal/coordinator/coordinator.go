package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"DistCount/internal/logger"
	"DistCount/internal/mapreduce"
	"DistCount/internal/planner"
	"DistCount/internal/storage"
	"DistCount/internal/types"
	"DistCount/internal/wordcount"
)

const (
	DefaultWorkers    = 4
	DefaultReducers   = 1
	DefaultRetryLimit = 3
)

// Journal records job and task transitions, e.g. into a Raft log.
type Journal interface {
	RecordJob(rec types.JobRecord) error
	RecordTask(rec types.TaskRecord) error
}

type nopJournal struct{}

func (nopJournal) RecordJob(types.JobRecord) error   { return nil }
func (nopJournal) RecordTask(types.TaskRecord) error { return nil }

// MapperFactory builds the map function of a job from its submission.
type MapperFactory func(caseSensitive bool, skip *mapreduce.SkipPatterns) mapreduce.Mapper

// Config for creating a Coordinator
type Config struct {
	Store   storage.Adapter // backing store for inputs, skip files and outputs
	Workers int             // worker pool size per job
	Journal Journal         // optional
	Logger  *logger.Logger  // optional

	// NewMapper and Reducer default to word count.
	NewMapper MapperFactory
	Reducer   mapreduce.Reducer
}

// JobSpec is a job submission.
type JobSpec struct {
	Inputs        []string `json:"inputs"`
	Output        string   `json:"output"`
	CaseSensitive *bool    `json:"case_sensitive,omitempty"` // nil counts case sensitively
	SkipFile      string   `json:"skip_file,omitempty"`      // newline-delimited regular expressions
	SkipPatterns  []string `json:"skip_patterns,omitempty"`  // literal strings
	Reducers      int      `json:"reducers"`
	RetryLimit    int      `json:"retry_limit"`
	SplitSize     int64    `json:"split_size"`
	NoCombiner    bool     `json:"no_combiner,omitempty"`
	Overwrite     bool     `json:"overwrite,omitempty"`
}

// Coordinator plans, schedules and tracks word-count jobs.
type Coordinator struct {
	cfg    Config
	logger *logger.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("coordinator needs a storage adapter: %w", types.ErrConfig)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must not be negative, got %d: %w", cfg.Workers, types.ErrConfig)
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Journal == nil {
		cfg.Journal = nopJournal{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("INFO")
	}
	if cfg.NewMapper == nil {
		cfg.NewMapper = func(caseSensitive bool, skip *mapreduce.SkipPatterns) mapreduce.Mapper {
			return wordcount.NewMapper(caseSensitive, skip)
		}
	}
	if cfg.Reducer == nil {
		cfg.Reducer = wordcount.Sum{}
	}

	lg := cfg.Logger.Named("coordinator")
	lg.Info("Coordinator initialized: workers=%d", cfg.Workers)

	return &Coordinator{
		cfg:    cfg,
		logger: lg,
		jobs:   make(map[string]*Job),
	}, nil
}

// Submit validates spec, plans the job and starts it in the background.
// Configuration problems are reported here, before any task is dispatched.
func (c *Coordinator) Submit(ctx context.Context, spec JobSpec) (*Job, error) {
	spec, err := normalize(spec)
	if err != nil {
		return nil, err
	}

	jobID := "job-" + uuid.New().String()[:8]
	lg := c.logger.Named(jobID)

	skip, err := c.loadSkipPatterns(spec)
	if err != nil {
		return nil, err
	}

	files, err := c.listInputs(ctx, spec.Inputs, lg)
	if err != nil {
		return nil, err
	}

	splits, err := planner.Plan(files, spec.SplitSize, lg)
	if err != nil {
		return nil, err
	}

	replace, err := c.checkOutput(spec)
	if err != nil {
		return nil, err
	}

	// Workers pull from one queue, so this is the expected first wave only.
	for w, idx := range planner.Assign(splits, c.cfg.Workers) {
		lg.Debug("Planned initial load: worker=%d splits=%v", w, idx)
	}

	// Nothing is removed until the submission is known to be valid.
	if replace {
		if err := c.cfg.Store.(storage.Remover).RemoveAll(spec.Output); err != nil {
			return nil, fmt.Errorf("failed to remove output %s: %w", spec.Output, err)
		}
		lg.Info("Removed existing output: path=%s", spec.Output)
	}

	job := newJob(jobID, spec, c, skip, splits, lg)

	c.mu.Lock()
	c.jobs[jobID] = job
	c.mu.Unlock()

	lg.Info("Job submitted: inputs=%d splits=%d reducers=%d skip_patterns=%d case_sensitive=%t",
		len(files), len(splits), spec.Reducers, skip.Len(), *spec.CaseSensitive)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		job.run()
	}()

	return job, nil
}

// Run submits spec and waits for it to finish.
func (c *Coordinator) Run(ctx context.Context, spec JobSpec) (types.JobStatus, error) {
	job, err := c.Submit(ctx, spec)
	if err != nil {
		return types.JobStatus{}, err
	}
	return job.Wait(ctx)
}

// Job returns a job by ID
func (c *Coordinator) Job(id string) (*Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[id]
	return j, ok
}

// Jobs returns the status of every known job, oldest first.
func (c *Coordinator) Jobs() []types.JobStatus {
	c.mu.RLock()
	jobs := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.RUnlock()

	statuses := make([]types.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		statuses = append(statuses, j.Status())
	}
	sort.Slice(statuses, func(i, k int) bool {
		if statuses[i].StartedAt.Equal(statuses[k].StartedAt) {
			return statuses[i].ID < statuses[k].ID
		}
		return statuses[i].StartedAt.Before(statuses[k].StartedAt)
	})
	return statuses
}

// Close cancels every running job and waits for them to stop.
func (c *Coordinator) Close() error {
	c.mu.RLock()
	for _, j := range c.jobs {
		j.Cancel()
	}
	c.mu.RUnlock()

	c.wg.Wait()
	return nil
}

func normalize(spec JobSpec) (JobSpec, error) {
	if len(spec.Inputs) == 0 {
		return spec, fmt.Errorf("no input paths provided: %w", types.ErrConfig)
	}
	for _, in := range spec.Inputs {
		if in == "" {
			return spec, fmt.Errorf("empty input path: %w", types.ErrConfig)
		}
	}
	if spec.Output == "" {
		return spec, fmt.Errorf("no output path provided: %w", types.ErrConfig)
	}
	if spec.Reducers < 0 || spec.RetryLimit < 0 || spec.SplitSize < 0 {
		return spec, fmt.Errorf("reducers, retry limit and split size must not be negative: %w", types.ErrConfig)
	}
	if spec.Reducers == 0 {
		spec.Reducers = DefaultReducers
	}
	if spec.RetryLimit == 0 {
		spec.RetryLimit = DefaultRetryLimit
	}
	if spec.SplitSize == 0 {
		spec.SplitSize = planner.DefaultSplitSize
	}
	caseSensitive := spec.CaseSensitive == nil || *spec.CaseSensitive
	spec.CaseSensitive = &caseSensitive
	return spec, nil
}

func (c *Coordinator) loadSkipPatterns(spec JobSpec) (*mapreduce.SkipPatterns, error) {
	var exprs []string
	if spec.SkipFile != "" {
		fromFile, err := mapreduce.LoadSkipFile(c.cfg.Store, spec.SkipFile)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, fromFile...)
	}
	exprs = append(exprs, mapreduce.QuoteLiterals(spec.SkipPatterns)...)
	return mapreduce.CompilePatterns(exprs)
}

// checkOutput rejects an output that holds an input, or that already exists
// when Overwrite is not set. It reports whether the old output must go.
func (c *Coordinator) checkOutput(spec JobSpec) (bool, error) {
	out := cleanPath(spec.Output)
	for _, in := range spec.Inputs {
		if within(cleanPath(in), out) {
			return false, fmt.Errorf("output %s contains input %s: %w", spec.Output, in, types.ErrConfig)
		}
	}

	infos, err := c.cfg.Store.List(spec.Output)
	if errors.Is(err, types.ErrNotFound) || (err == nil && len(infos) == 0) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check output %s: %w", spec.Output, err)
	}
	if !spec.Overwrite {
		return false, fmt.Errorf("output %s already exists: %w", spec.Output, types.ErrConfig)
	}
	if _, ok := c.cfg.Store.(storage.Remover); !ok {
		return false, fmt.Errorf("output %s exists and the store cannot remove it: %w", spec.Output, types.ErrConfig)
	}
	return true, nil
}

func cleanPath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

// within reports whether p is dir or lies below it.
func within(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/")
}

// listInputs expands input paths. An unreadable input contributes nothing;
// the job is rejected only when no input can be read at all.
func (c *Coordinator) listInputs(ctx context.Context, inputs []string, lg *logger.Logger) ([]storage.FileInfo, error) {
	var files []storage.FileInfo
	var lastErr error
	readable := 0

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("listing inputs: %w: %w", types.ErrCancelled, err)
		}
		infos, err := c.cfg.Store.List(in)
		if err != nil {
			lastErr = err
			lg.Warn("Skipping input: path=%s err=%v", in, fmt.Errorf("%w: %w", types.ErrInvalidInput, err))
			continue
		}
		readable++
		files = append(files, infos...)
	}

	if readable == 0 {
		return nil, fmt.Errorf("no readable input among %d paths: %w: %w", len(inputs), types.ErrInvalidInput, lastErr)
	}
	return files, nil
}
