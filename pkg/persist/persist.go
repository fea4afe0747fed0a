// Package persist implements durable, crash-safe snapshot storage for
// hnsw.Index.Persist/Load: a Local backend on the filesystem and an S3
// backend for object stores, both exposing the same atomic-write
// contract so a crash or concurrent reader never observes a
// half-written snapshot.
package persist

import (
	"context"
	"io"
)

// Store is the interface hnsw.Index persists through. Local and S3
// implement it with different atomicity strategies: Local uses
// temp-file + fsync + rename; S3, having no native rename primitive,
// uploads the snapshot to a temp key, uploads it again to the final key,
// and then deletes the temp key.
type Store interface {
	// WriteAtomic writes data to path such that readers observe either
	// the previous content or the full new content, never a partial
	// write.
	WriteAtomic(ctx context.Context, path string, data []byte) error

	// Read opens path for reading. Returns an error wrapping
	// os.ErrNotExist if the path does not exist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists reports whether path currently exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
}
