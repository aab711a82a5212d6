package storage

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Adapter. Paths are slash separated.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) OpenForRead(name string) (io.ReadCloser, error) {
	return m.OpenAt(name, 0)
}

func (m *Memory) OpenAt(name string, offset int64) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.files[path.Clean(name)]
	m.mu.RUnlock()

	if !ok {
		return nil, wrapErr("open", name, fs.ErrNotExist)
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, wrapErr("seek", name, fmt.Errorf("offset %d outside [0,%d]", offset, len(data)))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (m *Memory) OpenForWrite(name string) (io.WriteCloser, error) {
	return &memFile{m: m, name: path.Clean(name)}, nil
}

func (m *Memory) List(name string) ([]FileInfo, error) {
	name = path.Clean(name)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if data, ok := m.files[name]; ok {
		return []FileInfo{{Path: name, Size: int64(len(data))}}, nil
	}

	prefix := name + "/"
	if name == "/" {
		prefix = "/"
	}
	var infos []FileInfo
	found := false
	for p, data := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		found = true
		rest := strings.TrimPrefix(p, prefix)
		if strings.Contains(rest, "/") || hidden(rest) {
			continue
		}
		infos = append(infos, FileInfo{Path: p, Size: int64(len(data))})
	}
	if !found {
		return nil, wrapErr("list", name, fs.ErrNotExist)
	}
	return sortInfos(infos), nil
}

func (m *Memory) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldpath, newpath = path.Clean(oldpath), path.Clean(newpath)
	data, ok := m.files[oldpath]
	if !ok {
		return wrapErr("rename", oldpath, fs.ErrNotExist)
	}
	delete(m.files, oldpath)
	m.files[newpath] = data
	return nil
}

func (m *Memory) RemoveAll(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = path.Clean(name)
	for p := range m.files {
		if p == name || strings.HasPrefix(p, name+"/") {
			delete(m.files, p)
		}
	}
	return nil
}

// Paths returns every stored path, for tests and the fs demo.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

type memFile struct {
	m      *Memory
	name   string
	buf    bytes.Buffer
	closed bool
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, wrapErr("write", f.name, fs.ErrClosed)
	}
	return f.buf.Write(p)
}

func (f *memFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	f.m.mu.Lock()
	f.m.files[f.name] = append([]byte(nil), f.buf.Bytes()...)
	f.m.mu.Unlock()
	return nil
}
