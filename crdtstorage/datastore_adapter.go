package crdtstorage

import (
	"context"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/pkg/errors"
)

// DatastoreAdapter stores paths in any IPFS datastore, which lets journals
// share a backend with other datastore users (leveldb, flatfs, redis, ...).
type DatastoreAdapter struct {
	store ds.Datastore

	// mutex makes Append's read-modify-write atomic for this adapter.
	mutex sync.Mutex
}

var _ Storage = (*DatastoreAdapter)(nil)

// NewDatastoreAdapter wraps store.
func NewDatastoreAdapter(store ds.Datastore) *DatastoreAdapter {
	return &DatastoreAdapter{store: store}
}

func datastoreKey(path string) ds.Key {
	return ds.NewKey("/files").ChildString(cleanPath(path))
}

// Read implements Storage.
func (a *DatastoreAdapter) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := a.store.Get(ctx, datastoreKey(path))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "failed to read %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

// Write implements Storage.
func (a *DatastoreAdapter) Write(ctx context.Context, path string, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.store.Put(ctx, datastoreKey(path), data); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Append implements Storage.
func (a *DatastoreAdapter) Append(ctx context.Context, path string, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	key := datastoreKey(path)
	existing, err := a.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ds.ErrNotFound) {
		return errors.Wrapf(err, "failed to append to %s", path)
	}

	combined := make([]byte, 0, len(existing)+len(data))
	combined = append(combined, existing...)
	combined = append(combined, data...)
	if err := a.store.Put(ctx, key, combined); err != nil {
		return errors.Wrapf(err, "failed to append to %s", path)
	}
	return nil
}

// Exists implements Storage.
func (a *DatastoreAdapter) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := a.store.Has(ctx, datastoreKey(path))
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %s", path)
	}
	return ok, nil
}

// CreateDirAll implements Storage. Datastore keys need no directories.
func (a *DatastoreAdapter) CreateDirAll(ctx context.Context, path string) error {
	return nil
}

// Close closes the underlying datastore.
func (a *DatastoreAdapter) Close() error {
	return a.store.Close()
}
