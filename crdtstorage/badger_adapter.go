package crdtstorage

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerOptions configures a BadgerAdapter.
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the database in memory only.
	InMemory bool

	// SyncWrites flushes every write to disk before returning.
	SyncWrites bool
}

// BadgerAdapter stores each path as a Badger key.
type BadgerAdapter struct {
	db *badger.DB
}

var _ Storage = (*BadgerAdapter)(nil)

// badgerLogger routes Badger's internal logging to the package logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { logger.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { logger.Warnf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { logger.Debugf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { logger.Debugf(format, args...) }

// OpenBadgerAdapter opens a Badger database and wraps it.
func OpenBadgerAdapter(opts BadgerOptions) (*BadgerAdapter, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger directory is required")
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(opts.SyncWrites)
	}
	bopts = bopts.WithLogger(badgerLogger{})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}
	return NewBadgerAdapter(db), nil
}

// NewBadgerAdapter wraps an open Badger database.
func NewBadgerAdapter(db *badger.DB) *BadgerAdapter {
	return &BadgerAdapter{db: db}
}

func badgerKey(path string) []byte {
	return []byte("file/" + cleanPath(path))
}

// Read implements Storage.
func (a *BadgerAdapter) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(path))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "failed to read %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

// Write implements Storage.
func (a *BadgerAdapter) Write(ctx context.Context, path string, data []byte) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(path), append([]byte(nil), data...))
	})
	return errors.Wrapf(err, "failed to write %s", path)
}

// Append implements Storage. The read and the write share one transaction.
func (a *BadgerAdapter) Append(ctx context.Context, path string, data []byte) error {
	key := badgerKey(path)
	err := a.db.Update(func(txn *badger.Txn) error {
		var existing []byte
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if existing, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, append(existing, data...))
	})
	return errors.Wrapf(err, "failed to append to %s", path)
}

// Exists implements Storage.
func (a *BadgerAdapter) Exists(ctx context.Context, path string) (bool, error) {
	err := a.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(path))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, errors.Wrapf(err, "failed to check %s", path)
	}
}

// CreateDirAll implements Storage. Badger has a flat keyspace.
func (a *BadgerAdapter) CreateDirAll(ctx context.Context, path string) error {
	if a.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close closes the database.
func (a *BadgerAdapter) Close() error {
	return a.db.Close()
}
