package crdtstorage

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryAdapter keeps everything in process memory. It is meant for tests and
// for replicas that do not need to survive a restart.
type MemoryAdapter struct {
	// files maps a cleaned path to its content.
	files map[string][]byte

	// dirs records directories created with CreateDirAll.
	dirs map[string]struct{}

	// mutex protects files and dirs.
	mutex sync.RWMutex
}

var _ Storage = (*MemoryAdapter)(nil)

// NewMemoryAdapter creates an empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		files: make(map[string][]byte),
		dirs:  make(map[string]struct{}),
	}
}

func cleanPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Read implements Storage.
func (a *MemoryAdapter) Read(ctx context.Context, p string) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	data, ok := a.files[cleanPath(p)]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "failed to read %s", p)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write implements Storage.
func (a *MemoryAdapter) Write(ctx context.Context, p string, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := cleanPath(p)
	if _, isDir := a.dirs[key]; isDir {
		return errors.Wrapf(ErrAlreadyExists, "failed to write %s: is a directory", p)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	a.files[key] = stored
	return nil
}

// Append implements Storage.
func (a *MemoryAdapter) Append(ctx context.Context, p string, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := cleanPath(p)
	if _, isDir := a.dirs[key]; isDir {
		return errors.Wrapf(ErrAlreadyExists, "failed to append to %s: is a directory", p)
	}

	a.files[key] = append(a.files[key], data...)
	return nil
}

// Exists implements Storage.
func (a *MemoryAdapter) Exists(ctx context.Context, p string) (bool, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	key := cleanPath(p)
	if _, ok := a.files[key]; ok {
		return true, nil
	}
	_, ok := a.dirs[key]
	return ok, nil
}

// CreateDirAll implements Storage.
func (a *MemoryAdapter) CreateDirAll(ctx context.Context, p string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for dir := cleanPath(p); dir != "" && dir != "."; dir = path.Dir(dir) {
		if _, isFile := a.files[dir]; isFile {
			return errors.Wrapf(ErrAlreadyExists, "failed to create directory %s", dir)
		}
		a.dirs[dir] = struct{}{}
	}
	return nil
}

// Truncate shortens path to size bytes. It exists to simulate torn writes.
func (a *MemoryAdapter) Truncate(p string, size int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := cleanPath(p)
	data, ok := a.files[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "failed to truncate %s", p)
	}
	if size < len(data) {
		a.files[key] = data[:size]
	}
	return nil
}
