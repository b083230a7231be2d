// Package blob stores seed prompts and contribution artifacts in buckets
// addressed by slash-separated object paths.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("blob: object not found")
	// ErrAlreadyExists is returned when a non-upsert upload hits an
	// existing object.
	ErrAlreadyExists = errors.New("blob: object already exists")
)

// UploadOptions controls one upload.
type UploadOptions struct {
	ContentType string
	// Upsert overwrites an existing object instead of failing.
	Upsert bool
}

// Store is a bucketed object store.
type Store interface {
	Download(ctx context.Context, bucket, objectPath string) ([]byte, error)
	Upload(ctx context.Context, bucket, objectPath string, data []byte, opts UploadOptions) (string, error)
	Remove(ctx context.Context, bucket string, objectPaths ...string) error
}

// FSStore keeps each bucket as a directory under Root.
type FSStore struct {
	Root string
}

// NewFSStore returns a store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", dir, err)
	}
	return &FSStore{Root: dir}, nil
}

func (s *FSStore) resolve(bucket, objectPath string) (string, error) {
	clean := path.Clean(objectPath)
	if bucket == "" || !filepath.IsLocal(bucket) {
		return "", fmt.Errorf("blob: invalid bucket %q", bucket)
	}
	if objectPath == "" || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("blob: invalid object path %q", objectPath)
	}
	return filepath.Join(s.Root, bucket, filepath.FromSlash(clean)), nil
}

// Download reads an object.
func (s *FSStore) Download(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(bucket, objectPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, objectPath)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: download %s/%s: %w", bucket, objectPath, err)
	}
	return data, nil
}

// Upload writes an object and returns its path. Without opts.Upsert an
// existing object is left untouched and ErrAlreadyExists is returned.
func (s *FSStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, opts UploadOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.resolve(bucket, objectPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("blob: upload %s/%s: %w", bucket, objectPath, err)
	}

	if !opts.Upsert {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s/%s", ErrAlreadyExists, bucket, objectPath)
		}
		if err != nil {
			return "", fmt.Errorf("blob: upload %s/%s: %w", bucket, objectPath, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(p)
			return "", fmt.Errorf("blob: upload %s/%s: %w", bucket, objectPath, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("blob: upload %s/%s: %w", bucket, objectPath, err)
		}
		return path.Clean(objectPath), nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("blob: upload %s/%s: %w", bucket, objectPath, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("blob: upload %s/%s: %w", bucket, objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blob: upload %s/%s: %w", bucket, objectPath, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("blob: upload %s/%s: %w", bucket, objectPath, err)
	}
	return path.Clean(objectPath), nil
}

// Remove deletes objects. Missing objects are ignored.
func (s *FSStore) Remove(ctx context.Context, bucket string, objectPaths ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var errs []error
	for _, op := range objectPaths {
		p, err := s.resolve(bucket, op)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("blob: remove %s/%s: %w", bucket, op, err))
		}
	}
	return errors.Join(errs...)
}
