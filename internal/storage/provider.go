// Package storage defines the blob layer that the file ledger and the file
// and bucket sinks write through.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when the path holds nothing yet.
var ErrNotFound = errors.New("storage: object not found")

// BlobStore persists whole objects. A PutObject either replaces the object
// completely or leaves the previous content in place.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// AtomicStore can stream a whole replacement through a writer. Either the
// full output of write lands or the previous content stays.
type AtomicStore interface {
	BlobStore
	WriteAtomic(path string, write func(io.Writer) error) error
}
