package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/storage"

	"DistCount/internal/types"
)

type AzureConfig struct {
	AccountName string
	AccountKey  string
}

// Azure is an Adapter over Azure blob storage.
// Paths follow the pattern "ContainerName/BlobName", where BlobName may contain '/'.
type Azure struct {
	blobClient storage.BlobStorageClient
}

func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure account name and key are required: %w", types.ErrConfig)
	}

	cli, err := storage.NewBasicClient(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w: %w", types.ErrConfig, err)
	}

	return &Azure{blobClient: cli.GetBlobService()}, nil
}

func splitAzurePath(name string) (string, string, error) {
	name = strings.TrimPrefix(name, "/")
	container, blob, ok := strings.Cut(name, "/")
	if !ok || container == "" {
		return "", "", fmt.Errorf("azure path %q is not ContainerName/BlobName: %w", name, types.ErrInvalidInput)
	}
	return container, blob, nil
}

func (a *Azure) blob(name string) (*storage.Blob, error) {
	container, blob, err := splitAzurePath(name)
	if err != nil {
		return nil, err
	}
	if blob == "" {
		return nil, fmt.Errorf("azure path %q names a container: %w", name, types.ErrInvalidInput)
	}
	return a.blobClient.GetContainerReference(container).GetBlobReference(blob), nil
}

func (a *Azure) OpenForRead(name string) (io.ReadCloser, error) {
	return a.OpenAt(name, 0)
}

func (a *Azure) OpenAt(name string, offset int64) (io.ReadCloser, error) {
	b, err := a.blob(name)
	if err != nil {
		return nil, err
	}

	var rc io.ReadCloser
	if offset == 0 {
		rc, err = b.Get(nil)
	} else {
		// End 0 requests "bytes=offset-".
		rc, err = b.GetRange(&storage.GetBlobRangeOptions{
			Range: &storage.BlobRange{Start: uint64(offset)},
		})
	}
	if err != nil {
		return nil, azureErr("open", name, err)
	}
	return rc, nil
}

// OpenForWrite buffers the blob and uploads it as one block blob on Close.
func (a *Azure) OpenForWrite(name string) (io.WriteCloser, error) {
	b, err := a.blob(name)
	if err != nil {
		return nil, err
	}
	if _, err := b.Container.CreateIfNotExists(nil); err != nil {
		return nil, azureErr("create container", name, err)
	}
	return &azureWriter{blob: b, name: name}, nil
}

func (a *Azure) List(name string) ([]FileInfo, error) {
	container, prefix, err := splitAzurePath(strings.TrimSuffix(name, "/") + "/")
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "/")

	if prefix != "" {
		b := a.blobClient.GetContainerReference(container).GetBlobReference(prefix)
		exists, err := b.Exists()
		if err != nil {
			return nil, azureErr("stat", name, err)
		}
		if exists {
			if err := b.GetProperties(nil); err != nil {
				return nil, azureErr("stat", name, err)
			}
			return []FileInfo{{Path: path.Join(container, prefix), Size: b.Properties.ContentLength}}, nil
		}
		prefix += "/"
	}

	cnt := a.blobClient.GetContainerReference(container)
	var infos []FileInfo
	marker := ""
	for {
		resp, err := cnt.ListBlobs(storage.ListBlobsParameters{Prefix: prefix, Marker: marker})
		if err != nil {
			return nil, azureErr("list", name, err)
		}
		for _, v := range resp.Blobs {
			rest := strings.TrimPrefix(v.Name, prefix)
			if strings.Contains(rest, "/") || hidden(rest) {
				continue
			}
			infos = append(infos, FileInfo{Path: path.Join(container, v.Name), Size: v.Properties.ContentLength})
		}
		if resp.NextMarker == "" {
			break
		}
		marker = resp.NextMarker
	}

	if len(infos) == 0 {
		return nil, azureErr("list", name, fs.ErrNotExist)
	}
	return sortInfos(infos), nil
}

// RemoveAll deletes every blob under name.
func (a *Azure) RemoveAll(name string) error {
	infos, err := a.List(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, info := range infos {
		b, err := a.blob(info.Path)
		if err != nil {
			return err
		}
		if _, err := b.DeleteIfExists(nil); err != nil {
			return azureErr("delete", info.Path, err)
		}
	}
	return nil
}

type azureWriter struct {
	blob   *storage.Blob
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *azureWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *azureWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.blob.CreateBlockBlobFromReader(bytes.NewReader(w.buf.Bytes()), nil); err != nil {
		return azureErr("upload", w.name, err)
	}
	return nil
}

func azureErr(op, name string, err error) error {
	var svcErr storage.AzureStorageServiceError
	if errors.As(err, &svcErr) && svcErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w: %w", op, name, types.ErrNotFound, err)
	}
	var svcErrPtr *storage.AzureStorageServiceError
	if errors.As(err, &svcErrPtr) && svcErrPtr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w: %w", op, name, types.ErrNotFound, err)
	}
	return wrapErr(op, name, err)
}
