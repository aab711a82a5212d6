package mapreduce

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"DistCount/internal/storage"
	"DistCount/internal/types"
)

func TestReduceWritesAscendingKeys(t *testing.T) {
	store := storage.NewMemory()
	part := &types.Partition{
		Index:  2,
		Keys:   []string{"bye", "hello", "world"},
		Values: map[string][]int{"bye": {1}, "hello": {1, 1}, "world": {2}},
	}

	out, err := RunReduce(context.Background(), store, part, sumReducer{}, ReduceOptions{TaskID: 2, Attempt: 1, OutputDir: "/out"})
	if err != nil {
		t.Fatalf("RunReduce failed: %v", err)
	}
	if out.Path != "/out/part-00002" || out.Keys != 3 {
		t.Fatalf("Unexpected output %+v", out)
	}

	data, err := storage.ReadFile(store, "/out/part-00002")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "bye\t1\nhello\t2\nworld\t2\n" {
		t.Fatalf("part file = %q", data)
	}
}

func TestReduceIdempotent(t *testing.T) {
	for name, store := range map[string]storage.Adapter{"memory": storage.NewMemory(), "local": storage.NewLocal()} {
		t.Run(name, func(t *testing.T) {
			dir := "/out"
			if name == "local" {
				dir = t.TempDir()
			}
			parts := shuffleAll(2, sampleOutputs())

			var first [][]byte
			for attempt := 1; attempt <= 2; attempt++ {
				for _, p := range parts {
					if _, err := RunReduce(context.Background(), store, p, sumReducer{}, ReduceOptions{TaskID: p.Index, Attempt: attempt, OutputDir: dir}); err != nil {
						t.Fatalf("RunReduce attempt %d failed: %v", attempt, err)
					}
				}
				var files [][]byte
				for _, p := range parts {
					data, err := storage.ReadFile(store, OutputName(dir, p.Index))
					if err != nil {
						t.Fatalf("ReadFile failed: %v", err)
					}
					files = append(files, data)
				}
				if attempt == 1 {
					first = files
					continue
				}
				for i := range files {
					if !bytes.Equal(first[i], files[i]) {
						t.Fatalf("part %d differs between runs:\n%q\n%q", i, first[i], files[i])
					}
				}
			}
		})
	}
}

func TestReadOutputAndCommit(t *testing.T) {
	store := storage.NewMemory()
	for _, p := range shuffleAll(3, sampleOutputs()) {
		if _, err := RunReduce(context.Background(), store, p, sumReducer{}, ReduceOptions{TaskID: p.Index, Attempt: 1, OutputDir: "/out"}); err != nil {
			t.Fatalf("RunReduce failed: %v", err)
		}
	}
	if err := CommitJob(store, "/out"); err != nil {
		t.Fatalf("CommitJob failed: %v", err)
	}

	got, err := ReadOutput(store, "/out")
	if err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	want := map[string]int{"hello": 2, "world": 7, "bye": 1, "hadoop": 2, "goodbye": 1, "to": 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ReadOutput = %v, want %v", got, want)
	}

	if _, err := storage.ReadFile(store, "/out/_SUCCESS"); err != nil {
		t.Fatalf("Missing success marker: %v", err)
	}
	for _, p := range store.Paths() {
		if bytes.Contains([]byte(p), []byte(tempDir)) {
			t.Fatalf("Temporary file left behind: %s", p)
		}
	}
}

func TestReadOutputRejectsDuplicateKeys(t *testing.T) {
	store := storage.NewMemory()
	storage.WriteFile(store, "/out/part-00000", []byte("a\t1\n"))
	storage.WriteFile(store, "/out/part-00001", []byte("a\t2\n"))

	if _, err := ReadOutput(store, "/out"); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput for duplicated key, got %v", err)
	}
}
