package mapreduce

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"DistCount/internal/storage"
	"DistCount/internal/types"
)

const (
	// SuccessMarker is written to the output directory when a job completes.
	SuccessMarker = "_SUCCESS"
	tempDir       = "_temporary"
)

// OutputName returns the output file of a partition, e.g. out/part-00003.
func OutputName(dir string, partition int) string {
	return path.Join(dir, fmt.Sprintf("part-%05d", partition))
}

// TempDir returns the directory holding uncommitted reduce attempts.
func TempDir(dir string) string {
	return path.Join(dir, tempDir)
}

// ReduceOptions configures one reduce task attempt.
type ReduceOptions struct {
	TaskID    int
	Attempt   int
	OutputDir string
}

// ReduceOutput is the result of a successful reduce task.
type ReduceOutput struct {
	TaskID    int
	Partition int
	Path      string
	Keys      int
}

// RunReduce reduces every key of part in ascending order and writes
// "key\tvalue" lines to the partition's output file. Stores that can rename get
// the file committed from a per-attempt temporary, so a failed attempt never
// leaves a partial part file.
func RunReduce(ctx context.Context, store storage.Adapter, part *types.Partition, r Reducer, opts ReduceOptions) (*ReduceOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reduce task %d: %w: %w", opts.TaskID, types.ErrCancelled, err)
	}

	final := OutputName(opts.OutputDir, part.Index)
	target := final
	renamer, canRename := store.(storage.Renamer)
	if canRename {
		target = path.Join(TempDir(opts.OutputDir), fmt.Sprintf("part-%05d-attempt-%d", part.Index, opts.Attempt))
	}

	wc, err := store.OpenForWrite(target)
	if err != nil {
		return nil, fmt.Errorf("reduce task %d: %w", opts.TaskID, err)
	}

	bw := bufio.NewWriter(wc)
	for _, key := range part.Keys {
		sum := r.Reduce(key, part.Values[key])
		if _, err := fmt.Fprintf(bw, "%s\t%d\n", key, sum); err != nil {
			wc.Close()
			return nil, fmt.Errorf("reduce task %d write: %w: %w", opts.TaskID, types.ErrStorageUnavailable, err)
		}
	}
	if err := bw.Flush(); err != nil {
		wc.Close()
		return nil, fmt.Errorf("reduce task %d flush: %w: %w", opts.TaskID, types.ErrStorageUnavailable, err)
	}
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("reduce task %d: %w", opts.TaskID, err)
	}

	if canRename {
		if err := renamer.Rename(target, final); err != nil {
			return nil, fmt.Errorf("reduce task %d commit: %w", opts.TaskID, err)
		}
	}

	return &ReduceOutput{TaskID: opts.TaskID, Partition: part.Index, Path: final, Keys: len(part.Keys)}, nil
}

// ReadOutput loads every part file under dir into a map. A key present in two
// part files is an error.
func ReadOutput(store storage.Adapter, dir string) (map[string]int, error) {
	infos, err := store.List(dir)
	if err != nil {
		return nil, err
	}

	result := make(map[string]int)
	for _, info := range infos {
		if !strings.HasPrefix(path.Base(info.Path), "part-") {
			continue
		}
		data, err := storage.ReadFile(store, info.Path)
		if err != nil {
			return nil, err
		}
		for n, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
			if line == "" {
				continue
			}
			key, val, ok := strings.Cut(line, "\t")
			if !ok {
				return nil, fmt.Errorf("%s:%d: missing tab: %w", info.Path, n+1, types.ErrInvalidInput)
			}
			count, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w: %w", info.Path, n+1, types.ErrInvalidInput, err)
			}
			if _, dup := result[key]; dup {
				return nil, fmt.Errorf("%s: key %q appears in more than one partition: %w", info.Path, key, types.ErrInvalidInput)
			}
			result[key] = count
		}
	}
	return result, nil
}

// CommitJob writes the success marker and removes uncommitted attempts.
func CommitJob(store storage.Adapter, dir string) error {
	if remover, ok := store.(storage.Remover); ok {
		if err := remover.RemoveAll(TempDir(dir)); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("failed to clean %s: %w", TempDir(dir), err)
		}
	}
	return storage.WriteFile(store, path.Join(dir, SuccessMarker), nil)
}
