// Package planner divides input files into byte-range splits.
package planner

import (
	"fmt"

	"DistCount/internal/logger"
	"DistCount/internal/storage"
	"DistCount/internal/types"
)

// DefaultSplitSize is used when a job does not set one.
const DefaultSplitSize int64 = 32 << 20

// Plan divides files into contiguous splits of at most splitSize bytes.
// Splits are ordered by input order then offset and cover every byte exactly once.
// Empty files contribute no splits; they are reported, not fatal.
func Plan(files []storage.FileInfo, splitSize int64, lg *logger.Logger) ([]types.Split, error) {
	if splitSize <= 0 {
		return nil, fmt.Errorf("split size must be positive, got %d: %w", splitSize, types.ErrConfig)
	}
	if lg == nil {
		lg = logger.Discard()
	}

	var splits []types.Split
	for _, f := range files {
		if f.Size <= 0 {
			lg.Warn("Skipping input: path=%s err=%v", f.Path, fmt.Errorf("empty file: %w", types.ErrInvalidInput))
			continue
		}
		for off := int64(0); off < f.Size; off += splitSize {
			length := splitSize
			if rem := f.Size - off; rem < length {
				length = rem
			}
			splits = append(splits, types.Split{Path: f.Path, Offset: off, Length: length})
		}
	}

	lg.Debug("Planned splits: files=%d splits=%d split_size=%d", len(files), len(splits), splitSize)
	return splits, nil
}

// Assign distributes split indexes round-robin over workers slots.
func Assign(splits []types.Split, workers int) [][]int {
	if workers <= 0 {
		workers = 1
	}
	slots := make([][]int, workers)
	for i := range splits {
		slots[i%workers] = append(slots[i%workers], i)
	}
	return slots
}
