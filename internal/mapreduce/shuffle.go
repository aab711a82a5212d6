package mapreduce

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"DistCount/internal/types"
)

// ErrBarrier is returned when a partition is requested before every map task finished.
var ErrBarrier = errors.New("shuffle barrier not reached")

// StableHash is 32-bit FNV-1a of the key with the sign bit cleared.
// It must never change: output file contents depend on it.
func StableHash(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & 0x7fffffff)
}

// PartitionFor routes key to one of n partitions.
func PartitionFor(key string, n int) int {
	return StableHash(key) % n
}

// Shuffle routes the output of successful map tasks into reducer partitions.
// Outputs may be ingested as tasks finish; partitions are only readable after Seal.
type Shuffle struct {
	mu     sync.RWMutex
	n      int
	tasks  []map[int][]types.KeyValue // partition -> map task id -> pairs
	seen   map[int]bool
	pairs  int
	sealed bool
}

func NewShuffle(numPartitions int) *Shuffle {
	if numPartitions <= 0 {
		numPartitions = 1
	}
	s := &Shuffle{
		n:     numPartitions,
		tasks: make([]map[int][]types.KeyValue, numPartitions),
		seen:  make(map[int]bool),
	}
	for i := range s.tasks {
		s.tasks[i] = make(map[int][]types.KeyValue)
	}
	return s
}

// Ingest routes one map task's pairs. A task already ingested is ignored.
func (s *Shuffle) Ingest(out *MapOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("ingest map task %d: shuffle already sealed", out.TaskID)
	}
	if s.seen[out.TaskID] {
		return nil
	}
	s.seen[out.TaskID] = true

	for _, kv := range out.Pairs {
		p := PartitionFor(kv.Key, s.n)
		s.tasks[p][out.TaskID] = append(s.tasks[p][out.TaskID], kv)
	}
	s.pairs += len(out.Pairs)
	return nil
}

// Seal closes ingestion. It marks the shuffle barrier.
func (s *Shuffle) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

func (s *Shuffle) NumPartitions() int {
	return s.n
}

// Pairs returns the number of pairs ingested so far.
func (s *Shuffle) Pairs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs
}

// Partition groups the values routed to partition i.
// Values of a key are ordered by map task id, so the result does not depend on
// the order in which tasks finished.
func (s *Shuffle) Partition(i int) (*types.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.sealed {
		return nil, fmt.Errorf("partition %d: %w", i, ErrBarrier)
	}
	if i < 0 || i >= s.n {
		return nil, fmt.Errorf("partition %d out of range [0,%d): %w", i, s.n, types.ErrInvalidInput)
	}

	ids := make([]int, 0, len(s.tasks[i]))
	for id := range s.tasks[i] {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	part := &types.Partition{Index: i, Values: make(map[string][]int)}
	for _, id := range ids {
		for _, kv := range s.tasks[i][id] {
			if _, ok := part.Values[kv.Key]; !ok {
				part.Keys = append(part.Keys, kv.Key)
			}
			part.Values[kv.Key] = append(part.Values[kv.Key], kv.Value)
		}
	}
	sort.Strings(part.Keys)
	return part, nil
}
