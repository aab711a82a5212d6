package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local is an Adapter over the local filesystem.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) OpenForRead(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, wrapErr("open", name, err)
	}
	return f, nil
}

func (l *Local) OpenAt(name string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, wrapErr("open", name, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, wrapErr("seek", name, err)
	}
	return f, nil
}

// OpenForWrite writes to a sibling temp file that is renamed over name on Close.
func (l *Local) OpenForWrite(name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return nil, wrapErr("mkdir", name, err)
	}
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return nil, wrapErr("create", name, err)
	}
	return &atomicFile{File: f, final: name}, nil
}

func (l *Local) List(name string) ([]FileInfo, error) {
	info, err := os.Stat(name)
	if err != nil {
		return nil, wrapErr("stat", name, err)
	}
	if !info.IsDir() {
		return []FileInfo{{Path: name, Size: info.Size()}}, nil
	}

	entries, err := os.ReadDir(name)
	if err != nil {
		return nil, wrapErr("readdir", name, err)
	}

	var infos []FileInfo
	for _, e := range entries {
		if e.IsDir() || hidden(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, wrapErr("stat", filepath.Join(name, e.Name()), err)
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		infos = append(infos, FileInfo{Path: filepath.Join(name, e.Name()), Size: fi.Size()})
	}
	return sortInfos(infos), nil
}

func (l *Local) Rename(oldpath, newpath string) error {
	if err := os.MkdirAll(filepath.Dir(newpath), 0755); err != nil {
		return wrapErr("mkdir", newpath, err)
	}
	return wrapErr("rename", oldpath, os.Rename(oldpath, newpath))
}

func (l *Local) RemoveAll(name string) error {
	return wrapErr("remove", name, os.RemoveAll(name))
}

type atomicFile struct {
	*os.File
	final  string
	closed bool
}

func (f *atomicFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	tmp := f.File.Name()
	if err := f.File.Sync(); err != nil {
		f.File.Close()
		os.Remove(tmp)
		return wrapErr("sync", f.final, err)
	}
	if err := f.File.Close(); err != nil {
		os.Remove(tmp)
		return wrapErr("close", f.final, err)
	}
	if err := os.Rename(tmp, f.final); err != nil {
		os.Remove(tmp)
		return wrapErr("rename", f.final, fmt.Errorf("commit temp file: %w", err))
	}
	return nil
}
