// Package blob stores uploaded media as path-addressed objects in a local directory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidName rejects object names that escape the bucket.
	ErrInvalidName = errors.New("blob: invalid object name")
	// ErrNotFound reports a missing object.
	ErrNotFound = errors.New("blob: object not found")
)

// Object is the metadata of a stored blob.
type Object struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Bucket is a directory of objects. Object creation time is the file's
// modification time, which Put sets and nothing rewrites.
type Bucket struct {
	root string
}

// Open prepares the bucket rooted at dir.
func Open(dir string) (*Bucket, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("blob: bucket directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create bucket: %w", err)
	}
	return &Bucket{root: dir}, nil
}

// Root returns the bucket directory.
func (b *Bucket) Root() string {
	return b.root
}

func (b *Bucket) resolve(name string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(name, "/"))
	if name == "" || cleaned == "." || !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(b.root, filepath.FromSlash(cleaned)), nil
}

// Put writes the object atomically, replacing any previous content.
func (b *Bucket) Put(ctx context.Context, name string, content io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	target, err := b.resolve(name)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Object{}, fmt.Errorf("blob: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("blob: create temp file: %w", err)
	}
	size, copyErr := io.Copy(tmp, content)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("blob: write %s: %w", name, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("blob: commit %s: %w", name, err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return Object{}, fmt.Errorf("blob: stat %s: %w", name, err)
	}
	return Object{Name: path.Clean(strings.TrimPrefix(name, "/")), Size: size, CreatedAt: info.ModTime().UTC()}, nil
}

// Open returns a reader for the object.
func (b *Bucket) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := b.resolve(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return file, err
}

// List returns every object ordered by name.
func (b *Bucket) List(ctx context.Context) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(b.root, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".upload-") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(b.root, current)
		if err != nil {
			return err
		}
		objects = append(objects, Object{
			Name:      filepath.ToSlash(relative),
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list: %w", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// Delete removes the object.
func (b *Bucket) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := b.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("blob: delete %s: %w", name, err)
	}
	return nil
}
