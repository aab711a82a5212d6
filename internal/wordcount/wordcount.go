package wordcount

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"DistCount/internal/mapreduce"
)

// Mapper implements the mapreduce.Mapper interface for word count.
// It folds case unless CaseSensitive, strips skip patterns, and emits (word, 1)
// for every whitespace separated token.
type Mapper struct {
	caseSensitive bool
	skip          *mapreduce.SkipPatterns
}

// NewMapper creates a mapper. skip is shared read-only between tasks.
func NewMapper(caseSensitive bool, skip *mapreduce.SkipPatterns) *Mapper {
	return &Mapper{caseSensitive: caseSensitive, skip: skip}
}

func (m *Mapper) Map(line string, emit mapreduce.Emitter) {
	if !m.caseSensitive {
		line = strings.ToLower(line)
	}
	line = m.skip.Apply(line)

	for _, word := range strings.Fields(line) {
		emit(word, 1)
	}
}

// Sum implements the mapreduce.Reducer interface. It is also the combiner.
type Sum struct{}

func (Sum) Reduce(key string, values []int) int {
	sum := 0
	for _, v := range values {
		sum += v
	}
	return sum
}

// PrintResults prints counts in ascending key order.
func PrintResults(w io.Writer, counts map[string]int) {
	if len(counts) == 0 {
		fmt.Fprintln(w, "No words counted")
		return
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, counts[k])
	}
}
