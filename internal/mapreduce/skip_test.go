package mapreduce

import (
	"errors"
	"reflect"
	"testing"

	"DistCount/internal/storage"
	"DistCount/internal/types"
)

func TestSkipPatternsApplyInListOrder(t *testing.T) {
	// Overlapping patterns: removing "b" first exposes "ac".
	p, err := CompilePatterns([]string{"b", "ac"})
	if err != nil {
		t.Fatalf("CompilePatterns failed: %v", err)
	}
	if got := p.Apply("abc"); got != "" {
		t.Fatalf("Apply(abc) with [b ac] = %q, want empty", got)
	}

	reversed, _ := CompilePatterns([]string{"ac", "b"})
	if got := reversed.Apply("abc"); got != "ac" {
		t.Fatalf("Apply(abc) with [ac b] = %q, want %q", got, "ac")
	}
}

func TestLoadSkipFile(t *testing.T) {
	store := storage.NewMemory()
	storage.WriteFile(store, "/user/joe/wordcount/patterns.txt", []byte("\\.\r\n\\,\n\n\\!\nto\n\\.\n"))

	exprs, err := LoadSkipFile(store, "/user/joe/wordcount/patterns.txt")
	if err != nil {
		t.Fatalf("LoadSkipFile failed: %v", err)
	}
	p, err := CompilePatterns(exprs)
	if err != nil {
		t.Fatalf("CompilePatterns failed: %v", err)
	}

	want := []string{`\.`, `\,`, `\!`, `to`}
	if !reflect.DeepEqual(p.Sources(), want) {
		t.Fatalf("Sources = %q, want %q", p.Sources(), want)
	}
	if got := p.Apply("Goodbye to hadoop."); got != "Goodbye  hadoop" {
		t.Fatalf("Apply = %q", got)
	}
}

func TestLoadSkipFileMissing(t *testing.T) {
	_, err := LoadSkipFile(storage.NewMemory(), "/nope")
	if !errors.Is(err, types.ErrConfig) || !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Expected ErrConfig wrapping ErrNotFound, got %v", err)
	}
}

func TestInvalidPatternIsConfigError(t *testing.T) {
	if _, err := CompilePatterns([]string{"("}); !errors.Is(err, types.ErrConfig) {
		t.Fatalf("Expected ErrConfig, got %v", err)
	}
}

func TestQuoteLiterals(t *testing.T) {
	p, err := CompilePatterns(QuoteLiterals([]string{".", "", "!"}))
	if err != nil {
		t.Fatalf("CompilePatterns failed: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2", p.Len())
	}
	if got := p.Apply("a.b!c"); got != "abc" {
		t.Fatalf("Apply = %q, want abc", got)
	}
}

func TestNilSkipPatterns(t *testing.T) {
	var p *SkipPatterns
	if p.Apply("x.y") != "x.y" || p.Len() != 0 || p.Sources() != nil {
		t.Fatalf("nil SkipPatterns should be a no-op")
	}
}
