package crdtstorage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileAdapter stores paths as files below a base directory.
type FileAdapter struct {
	// basePath is the directory all paths are resolved against.
	basePath string

	// mutex serialises writers against readers.
	mutex sync.RWMutex
}

var _ Storage = (*FileAdapter)(nil)

// NewFileAdapter creates a FileAdapter rooted at basePath, creating it if needed.
func NewFileAdapter(basePath string) (*FileAdapter, error) {
	if basePath == "" {
		basePath = "data"
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrapf(mapFSError(err), "failed to create base directory %s", basePath)
	}

	return &FileAdapter{basePath: basePath}, nil
}

// BasePath returns the root directory.
func (a *FileAdapter) BasePath() string {
	return a.basePath
}

// resolve keeps every path inside basePath.
func (a *FileAdapter) resolve(path string) string {
	return filepath.Join(a.basePath, filepath.FromSlash(filepath.Clean("/"+path)))
}

// Read implements Storage.
func (a *FileAdapter) Read(ctx context.Context, path string) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	data, err := os.ReadFile(a.resolve(path))
	if err != nil {
		return nil, errors.Wrapf(mapFSError(err), "failed to read %s", path)
	}
	return data, nil
}

// Write implements Storage. The file is replaced atomically through a rename.
func (a *FileAdapter) Write(ctx context.Context, path string, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	target := a.resolve(path)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return errors.Wrapf(mapFSError(err), "failed to write %s", path)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(mapFSError(err), "failed to write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(mapFSError(err), "failed to sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(mapFSError(err), "failed to close %s", path)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(mapFSError(err), "failed to replace %s", path)
	}
	return nil
}

// Append implements Storage.
func (a *FileAdapter) Append(ctx context.Context, path string, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	f, err := os.OpenFile(a.resolve(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(mapFSError(err), "failed to open %s", path)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(mapFSError(err), "failed to append to %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(mapFSError(err), "failed to sync %s", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}

// Exists implements Storage.
func (a *FileAdapter) Exists(ctx context.Context, path string) (bool, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	_, err := os.Stat(a.resolve(path))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, errors.Wrapf(mapFSError(err), "failed to stat %s", path)
	}
}

// CreateDirAll implements Storage.
func (a *FileAdapter) CreateDirAll(ctx context.Context, path string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := os.MkdirAll(a.resolve(path), 0o755); err != nil {
		return errors.Wrapf(mapFSError(err), "failed to create directory %s", path)
	}
	return nil
}

// mapFSError translates filesystem errors into the storage error taxonomy.
func mapFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errors.Wrap(ErrNotFound, err.Error())
	case errors.Is(err, fs.ErrPermission):
		return errors.Wrap(ErrPermissionDenied, err.Error())
	case errors.Is(err, fs.ErrExist):
		return errors.Wrap(ErrAlreadyExists, err.Error())
	}
	return err
}
