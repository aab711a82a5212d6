package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/colinmarc/hdfs/v2"

	"DistCount/internal/types"
)

// Requirement:
//   Hadoop/HDFS version: 2+
//   namenode RPC address, e.g. "namenode:9000"

type HDFSConfig struct {
	Namenode string
	User     string
}

// HDFS is an Adapter over a Hadoop distributed filesystem.
type HDFS struct {
	client *hdfs.Client
	cfg    HDFSConfig
}

func NewHDFS(cfg HDFSConfig) (*HDFS, error) {
	if cfg.Namenode == "" {
		return nil, fmt.Errorf("hdfs namenode address is empty: %w", types.ErrConfig)
	}

	client, err := hdfs.NewClient(hdfs.ClientOptions{
		Addresses: []string{cfg.Namenode},
		User:      cfg.User,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to namenode %s: %w: %w", cfg.Namenode, types.ErrStorageUnavailable, err)
	}

	return &HDFS{client: client, cfg: cfg}, nil
}

func (h *HDFS) OpenForRead(name string) (io.ReadCloser, error) {
	f, err := h.client.Open(name)
	if err != nil {
		return nil, wrapErr("open", name, err)
	}
	return f, nil
}

func (h *HDFS) OpenAt(name string, offset int64) (io.ReadCloser, error) {
	f, err := h.client.Open(name)
	if err != nil {
		return nil, wrapErr("open", name, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, wrapErr("seek", name, err)
	}
	return f, nil
}

// OpenForWrite replaces name. HDFS files are immutable once closed, so an
// existing file is removed first.
func (h *HDFS) OpenForWrite(name string) (io.WriteCloser, error) {
	if err := h.client.MkdirAll(path.Dir(name), 0755); err != nil {
		return nil, wrapErr("mkdir", name, err)
	}
	if err := h.client.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, wrapErr("remove", name, err)
	}

	w, err := h.client.Create(name)
	if err != nil {
		return nil, wrapErr("create", name, err)
	}
	return &hdfsWriter{FileWriter: w, name: name}, nil
}

func (h *HDFS) List(name string) ([]FileInfo, error) {
	info, err := h.client.Stat(name)
	if err != nil {
		return nil, wrapErr("stat", name, err)
	}
	if !info.IsDir() {
		return []FileInfo{{Path: name, Size: info.Size()}}, nil
	}

	entries, err := h.client.ReadDir(name)
	if err != nil {
		return nil, wrapErr("readdir", name, err)
	}
	return filterDir(name, entries), nil
}

func (h *HDFS) Rename(oldpath, newpath string) error {
	if err := h.client.MkdirAll(path.Dir(newpath), 0755); err != nil {
		return wrapErr("mkdir", newpath, err)
	}
	return wrapErr("rename", oldpath, h.client.Rename(oldpath, newpath))
}

func (h *HDFS) RemoveAll(name string) error {
	err := h.client.RemoveAll(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return wrapErr("remove", name, err)
}

func (h *HDFS) Close() error {
	return h.client.Close()
}

type hdfsWriter struct {
	*hdfs.FileWriter
	name string
}

func (w *hdfsWriter) Close() error {
	return wrapErr("close", w.name, w.FileWriter.Close())
}

func filterDir(dir string, entries []os.FileInfo) []FileInfo {
	var infos []FileInfo
	for _, e := range entries {
		if e.IsDir() || hidden(e.Name()) {
			continue
		}
		infos = append(infos, FileInfo{Path: path.Join(dir, e.Name()), Size: e.Size()})
	}
	return sortInfos(infos)
}
