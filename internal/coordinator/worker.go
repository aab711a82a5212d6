package coordinator

import (
	"context"
	"fmt"

	"DistCount/internal/mapreduce"
	"DistCount/internal/types"
)

// worker executes task attempts until dispatch is closed. A task always runs to
// the end of its split or partition: cancellation is observed by the run loop
// between tasks, never in the middle of a write.
func (j *Job) worker(id int, dispatch <-chan work, events chan<- result, progress chan<- progressEvent) {
	ctx := context.WithoutCancel(j.ctx)

	for w := range dispatch {
		j.logger.Debug("Worker picked task: worker=%d task=%s attempt=%d", id, w.task.Name(), w.attempt)
		events <- j.execute(ctx, w, progress)
	}
}

func (j *Job) execute(ctx context.Context, w work, progress chan<- progressEvent) (r result) {
	r = result{kind: w.task.Kind, taskID: w.task.ID}

	defer func() {
		// A panicking user function fails the attempt instead of the process.
		if p := recover(); p != nil {
			r.mapOut, r.reduceOut = nil, nil
			r.err = fmt.Errorf("%s attempt %d panicked: %v", w.task.Name(), w.attempt, p)
		}
	}()

	store := j.coord.cfg.Store

	switch w.task.Kind {
	case types.MapTask:
		opts := mapreduce.MapOptions{
			TaskID: w.task.ID,
			Progress: func(records, words int64) {
				ev := progressEvent{kind: types.MapTask, taskID: w.task.ID, attempt: w.attempt, records: records, words: words}
				select {
				case progress <- ev:
				default:
				}
				j.logger.Debug("Finished processing %d records from the input file: %s", records, w.task.Split.Path)
			},
		}
		if !j.spec.NoCombiner {
			opts.Combiner = j.coord.cfg.Reducer
		}
		r.mapOut, r.err = mapreduce.RunMap(ctx, store, w.task.Split, j.mapper, opts)

	case types.ReduceTask:
		part, err := j.shuffle.Partition(w.task.Partition)
		if err != nil {
			r.err = err
			return r
		}
		r.reduceOut, r.err = mapreduce.RunReduce(ctx, store, part, j.coord.cfg.Reducer, mapreduce.ReduceOptions{
			TaskID:    w.task.ID,
			Attempt:   w.attempt,
			OutputDir: j.spec.Output,
		})

	default:
		r.err = fmt.Errorf("unknown task kind %q: %w", w.task.Kind, types.ErrConfig)
	}
	return r
}
