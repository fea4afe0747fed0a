package hnsw

import (
	"context"
	"io"
)

// Store is the minimal persistence backend Persist and Load write
// through. pkg/persist provides a local-filesystem implementation
// (atomic write via temp file + fsync + rename) and an S3 implementation
// (the whole snapshot is uploaded to a temp key, then to the final key,
// then the temp key is deleted).
type Store interface {
	// WriteAtomic writes data to path such that readers never observe a
	// partial write: either the old content or the full new content.
	WriteAtomic(ctx context.Context, path string, data []byte) error

	// Read opens path for reading. Returns an error wrapping
	// os.ErrNotExist if it does not exist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)
}
