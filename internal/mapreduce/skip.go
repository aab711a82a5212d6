package mapreduce

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"DistCount/internal/storage"
	"DistCount/internal/types"
)

// SkipPatterns removes every match of a fixed, ordered list of regular expressions.
//
// Patterns are applied one after another in list order, each over the output of the
// previous one, so overlapping patterns can give order dependent results. The order is
// pattern-file order followed by literal order, with duplicates dropped at their first
// position.
type SkipPatterns struct {
	sources []string
	res     []*regexp.Regexp
}

// CompilePatterns compiles regular expressions. Blank entries are ignored.
func CompilePatterns(exprs []string) (*SkipPatterns, error) {
	p := &SkipPatterns{}
	seen := make(map[string]bool)
	for _, expr := range exprs {
		if expr == "" || seen[expr] {
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid skip pattern %q: %w: %w", expr, types.ErrConfig, err)
		}
		seen[expr] = true
		p.sources = append(p.sources, expr)
		p.res = append(p.res, re)
	}
	return p, nil
}

// QuoteLiterals turns literal strings into patterns matching them exactly.
func QuoteLiterals(lits []string) []string {
	out := make([]string, 0, len(lits))
	for _, l := range lits {
		if l != "" {
			out = append(out, regexp.QuoteMeta(l))
		}
	}
	return out
}

// LoadSkipFile reads newline-delimited patterns from the store.
func LoadSkipFile(store storage.Adapter, name string) ([]string, error) {
	data, err := storage.ReadFile(store, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load skip file %s: %w: %w", name, types.ErrConfig, err)
	}

	var exprs []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line != "" {
			exprs = append(exprs, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse skip file %s: %w: %w", name, types.ErrConfig, err)
	}
	return exprs, nil
}

// Apply removes all matches of every pattern, in order.
func (p *SkipPatterns) Apply(line string) string {
	if p == nil {
		return line
	}
	for _, re := range p.res {
		line = re.ReplaceAllLiteralString(line, "")
	}
	return line
}

// Sources returns the pattern sources in application order.
func (p *SkipPatterns) Sources() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.sources...)
}

func (p *SkipPatterns) Len() int {
	if p == nil {
		return 0
	}
	return len(p.res)
}
