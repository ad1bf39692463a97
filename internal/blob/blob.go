// Package blob stores binary objects such as profile images.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/vaultsync/internal/errs"
)

// Store puts and sizes objects addressed by slash-separated paths.
type Store interface {
	// Put writes content at path, replacing any previous object, and returns its URL and size.
	Put(ctx context.Context, path string, content io.Reader) (string, int64, error)
	// Size returns the stored size; a missing object yields errs.ErrNotFound.
	Size(ctx context.Context, path string) (int64, error)
}

// FS is a Store rooted at a local directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("blob root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FS{root: abs}, nil
}

func (s *FS) resolve(p string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(p))
	if clean == string(filepath.Separator) || strings.Contains(p, "..") {
		return "", fmt.Errorf("invalid blob path %q", p)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes through a temp file and renames it into place.
func (s *FS) Put(ctx context.Context, p string, content io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	full, err := s.resolve(p)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", 0, err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
	return u.String(), n, nil
}

// Size stats the object at p.
func (s *FS) Size(ctx context.Context, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	full, err := s.resolve(p)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return fi.Size(), nil
}

// PutBytes is a convenience wrapper over Put.
func PutBytes(ctx context.Context, s Store, p string, b []byte) (string, int64, error) {
	return s.Put(ctx, p, bytes.NewReader(b))
}
