package mapreduce

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"DistCount/internal/storage"
	"DistCount/internal/types"
)

// readSplitLines calls fn for every line whose first byte lies inside split.
// A line that starts inside the split is read to its end even past split.End(),
// and a partial line at the start of the split belongs to the previous split.
func readSplitLines(store storage.Adapter, split types.Split, fn func(line string)) error {
	if split.Offset < 0 || split.Length < 0 {
		return fmt.Errorf("split %s: %w", split, types.ErrInvalidInput)
	}

	start := split.Offset
	if start > 0 {
		// Read from one byte early to learn whether start is a line boundary.
		start--
	}

	rc, err := store.OpenAt(split.Path, start)
	if err != nil {
		return err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 64*1024)
	pos := split.Offset

	if split.Offset > 0 {
		skipped, err := br.ReadString('\n')
		pos = start + int64(len(skipped))
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read split %s: %w: %w", split, types.ErrStorageUnavailable, err)
		}
	}

	for pos < split.End() {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			pos += int64(len(line))
			line = strings.TrimSuffix(line, "\n")
			fn(strings.TrimSuffix(line, "\r"))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read split %s: %w: %w", split, types.ErrStorageUnavailable, err)
		}
	}
	return nil
}
