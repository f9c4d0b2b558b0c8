// Package crdtstorage provides the byte-addressable storage that journals are
// written to, together with adapters for the local filesystem, memory, Redis,
// Badger, IPFS datastores and MongoDB.
package crdtstorage

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var logger = logging.Logger("crdtstorage")

var (
	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is returned when the backend refuses access to a path.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAlreadyExists is returned when a path unexpectedly exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrClosed is returned by adapters used after Close.
	ErrClosed = errors.New("storage is closed")
)

// Storage is the asynchronous file-like interface a journal needs.
// Paths are slash separated and relative to the adapter's root.
type Storage interface {
	// Read returns the whole content of path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write replaces the content of path.
	Write(ctx context.Context, path string, data []byte) error

	// Append adds data to the end of path, creating it when missing.
	Append(ctx context.Context, path string, data []byte) error

	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// CreateDirAll creates path and every missing parent.
	CreateDirAll(ctx context.Context, path string) error
}

// Closer is implemented by adapters that hold connections.
type Closer interface {
	Close() error
}

// IsNotFound reports whether err means the path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
