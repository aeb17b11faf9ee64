// Package fsstore keeps blobs as files under a root directory.
//
// WHY AFERO?
// The store is written against afero.Fs instead of the os package, so the
// same code runs on disk in production (NewBasePathFs over NewOsFs) and on
// an in-memory filesystem in tests. BasePathFs also refuses paths that
// escape the root, so a key like "../../etc/passwd" cannot leave it.
package fsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/xid"
	"github.com/spf13/afero"

	"github.com/sakif/kittygram/internal/blob"
)

// sniffLen matches the number of bytes mimetype inspects.
const sniffLen = 3072

type Store struct {
	fs afero.Fs
}

var _ blob.Store = (*Store)(nil)

// New returns a store rooted at dir on the local disk. The directory is
// created if it does not exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: creating root %s: %w", dir, err)
	}
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// NewWithFs wraps an arbitrary afero filesystem, typically afero.NewMemMapFs in tests.
func NewWithFs(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// Put writes to a temporary sibling file and renames it into place, so a
// reader never observes a half-written object and a failed write leaves
// nothing under key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, _ string) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("fsstore: creating directory for %s: %w", key, err)
	}

	tmp := name + ".tmp-" + xid.New().String()
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("fsstore: creating %s: %w", key, err)
	}

	n, copyErr := io.Copy(f, contextReader{ctx: ctx, r: r})
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		err = fmt.Errorf("fsstore: writing %s: %w", key, copyErr)
	case closeErr != nil:
		err = fmt.Errorf("fsstore: closing %s: %w", key, closeErr)
	case size >= 0 && n != size:
		err = fmt.Errorf("fsstore: writing %s: got %d bytes, want %d", key, n, size)
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}

	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("fsstore: publishing %s: %w", key, err)
	}
	return nil
}

// Open returns the stored file. The filesystem keeps no metadata, so the
// content type is sniffed from the first bytes.
func (s *Store) Open(_ context.Context, key string) (*blob.Object, error) {
	name, err := cleanKey(key)
	if err != nil {
		return nil, blob.ErrNotFound
	}
	f, err := s.fs.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("fsstore: opening %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fsstore: stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, blob.ErrNotFound
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("fsstore: reading %s: %w", key, err)
	}
	head = head[:n]

	return &blob.Object{
		Body: readCloser{
			Reader: io.MultiReader(bytes.NewReader(head), f),
			Closer: f,
		},
		ContentType: mimetype.Detect(head).String(),
		Size:        info.Size(),
	}, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	name, err := cleanKey(key)
	if err != nil {
		return nil
	}
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fsstore: deleting %s: %w", key, err)
	}
	return nil
}

// cleanKey turns a key into a relative slash path and rejects anything
// that would climb out of the root.
func cleanKey(key string) (string, error) {
	name := path.Clean("/" + key)
	if name == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("fsstore: invalid key %q", key)
	}
	return name, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// contextReader stops a long copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
