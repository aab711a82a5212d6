package mapreduce

import (
	"context"
	"fmt"

	"DistCount/internal/storage"
	"DistCount/internal/types"
)

// ProgressInterval is the number of records between progress reports.
const ProgressInterval = 100

// MapOptions configures one map task attempt.
type MapOptions struct {
	TaskID int
	// Combiner pre-aggregates the task's output. Nil disables combining.
	Combiner Reducer
	// Progress is called every ProgressInterval records with running totals.
	Progress func(records, words int64)
}

// MapOutput is the immutable result of a successful map task.
type MapOutput struct {
	TaskID  int
	Split   types.Split
	Pairs   []types.KeyValue
	Records int64
	Words   int64
}

// RunMap streams the lines of split through m and returns its intermediate pairs.
// Any read error fails the whole attempt; partial output is discarded.
func RunMap(ctx context.Context, store storage.Adapter, split types.Split, m Mapper, opts MapOptions) (*MapOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("map task %d: %w: %w", opts.TaskID, types.ErrCancelled, err)
	}

	out := &MapOutput{TaskID: opts.TaskID, Split: split}
	emit := func(key string, value int) {
		out.Pairs = append(out.Pairs, types.KeyValue{Key: key, Value: value})
		out.Words++
	}

	err := readSplitLines(store, split, func(line string) {
		m.Map(line, emit)
		out.Records++
		if out.Records%ProgressInterval == 0 && opts.Progress != nil {
			opts.Progress(out.Records, out.Words)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("map task %d on %s: %w", opts.TaskID, split, err)
	}

	if opts.Combiner != nil {
		out.Pairs = Combine(out.Pairs, opts.Combiner)
	}
	return out, nil
}
