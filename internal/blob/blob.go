// Package blob defines the byte-storage contract for uploaded photos.
//
// The database decides which key a cat points at; a blob store only keeps
// bytes under keys. Two implementations exist:
//   - fsstore: a directory on local disk (via afero, so tests run in memory)
//   - s3store: any S3-compatible bucket (AWS, MinIO)
//
// Keys are opaque slash-separated paths like "cats/2024/05/01/<uuid>.jpg".
// Writing a key that already exists replaces it; callers never reuse keys.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open when no object is stored under the key.
var ErrNotFound = errors.New("blob: object not found")

// Object is an open stored object. The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

type Store interface {
	// Put stores exactly size bytes read from r under key. A failed Put
	// leaves nothing visible under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (*Object, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
