// Package storage is the byte-streaming boundary between the engine and a backing store.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"DistCount/internal/types"
)

// FileInfo describes one input file.
type FileInfo struct {
	Path string
	Size int64
}

// Adapter reads inputs and writes outputs against a backing store.
type Adapter interface {
	// OpenForRead streams a whole file.
	OpenForRead(name string) (io.ReadCloser, error)
	// OpenAt streams a file from offset to EOF.
	OpenAt(name string, offset int64) (io.ReadCloser, error)
	// OpenForWrite creates or truncates a file. Data is visible once Close returns nil.
	OpenForWrite(name string) (io.WriteCloser, error)
	// List returns the file itself, or the regular files directly under a directory,
	// sorted by path. Names starting with '_' or '.' are skipped.
	List(name string) ([]FileInfo, error)
}

// Renamer is implemented by stores with an atomic rename.
type Renamer interface {
	Rename(oldpath, newpath string) error
}

// Remover is implemented by stores that can delete a tree.
type Remover interface {
	RemoveAll(name string) error
}

// Open returns the adapter named by uri:
//
//	"" or "local"               local disk
//	"mem"                       in-process memory
//	"hdfs://user@namenode:9000" HDFS, user defaults to $HADOOP_USER_NAME
//	"azure://account"           Azure blob, key from $AZURE_STORAGE_KEY
func Open(uri string) (Adapter, error) {
	switch uri {
	case "", "local":
		return NewLocal(), nil
	case "mem":
		return NewMemory(), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid storage uri %q: %w: %w", uri, types.ErrConfig, err)
	}

	switch u.Scheme {
	case "hdfs":
		user := u.User.Username()
		if user == "" {
			user = os.Getenv("HADOOP_USER_NAME")
		}
		return NewHDFS(HDFSConfig{Namenode: u.Host, User: user})
	case "azure":
		return NewAzure(AzureConfig{AccountName: u.Host, AccountKey: os.Getenv("AZURE_STORAGE_KEY")})
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q: %w", u.Scheme, types.ErrConfig)
	}
}

// ReadFile reads a whole file.
func ReadFile(a Adapter, name string) ([]byte, error) {
	rc, err := a.OpenForRead(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrapErr("read", name, err)
	}
	return data, nil
}

// WriteFile writes data to name, replacing any previous content.
func WriteFile(a Adapter, name string, data []byte) error {
	wc, err := a.OpenForWrite(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(wc, bytes.NewReader(data)); err != nil {
		wc.Close()
		return wrapErr("write", name, err)
	}
	return wc.Close()
}

// wrapErr classifies err as ErrNotFound or ErrStorageUnavailable.
func wrapErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w: %w", op, name, types.ErrNotFound, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, name, types.ErrStorageUnavailable, err)
}

func hidden(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, "_") || strings.HasPrefix(base, ".")
}

func sortInfos(infos []FileInfo) []FileInfo {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}
