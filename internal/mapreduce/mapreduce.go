// Package mapreduce holds the stages of a word-count job: map over one split,
// hash shuffle into partitions, and reduce one partition to an output file.
package mapreduce

import (
	"sort"

	"DistCount/internal/types"
)

// Emitter receives one intermediate pair.
type Emitter func(key string, value int)

// Mapper defines the map function interface.
// Map is called once per input line.
type Mapper interface {
	Map(line string, emit Emitter)
}

// Reducer defines the reduce function interface.
// Reduce must be associative and commutative, since it doubles as the combiner.
type Reducer interface {
	Reduce(key string, values []int) int
}

// Combine groups pairs by key and reduces each group. The result is sorted by key.
func Combine(pairs []types.KeyValue, r Reducer) []types.KeyValue {
	grouped := make(map[string][]int)
	for _, kv := range pairs {
		grouped[kv.Key] = append(grouped[kv.Key], kv.Value)
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.KeyValue{Key: k, Value: r.Reduce(k, grouped[k])})
	}
	return out
}
