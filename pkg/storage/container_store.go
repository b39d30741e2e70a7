package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ContainerStore saves documents on disk, one container directory per thread.
type ContainerStore struct {
	basePath string
	prefix   string

	mu sync.Mutex // serializes container creation
}

// NewContainerStore creates the base directory if missing.
func NewContainerStore(basePath, prefix string) (*ContainerStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "thread"
	}
	return &ContainerStore{basePath: basePath, prefix: prefix}, nil
}

// Container resolves the thread's container, creating it on first use.
func (c *ContainerStore) Container(threadID string) (string, error) {
	name := c.prefix + "-" + SanitizeFilename(threadID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(c.basePath, name), 0o755); err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return name, nil
}

// Put writes a document under {container}/{documentID}-{name}.
func (c *ContainerStore) Put(ctx context.Context, ref ObjectRef, r io.Reader, size int64, contentType string) (StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return StoredObject{}, err
	}
	folder, err := c.Container(ref.ThreadID)
	if err != nil {
		return StoredObject{}, err
	}
	key := SanitizeFilename(ref.DocumentID) + "-" + SanitizeFilename(ref.FileName)
	target := filepath.Join(c.basePath, folder, key)

	out, err := os.Create(target)
	if err != nil {
		return StoredObject{}, fmt.Errorf("create file: %w", err)
	}
	written, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: %d of %d bytes", written, size)
	}
	if err != nil {
		_ = os.Remove(target)
		return StoredObject{}, fmt.Errorf("write file: %w", err)
	}
	return StoredObject{Key: key, Folder: folder}, nil
}

// Get opens a stored document.
func (c *ContainerStore) Get(ctx context.Context, obj StoredObject) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := c.path(obj)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes a stored document; a missing file is not an error.
func (c *ContainerStore) Delete(ctx context.Context, obj StoredObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if obj.Key == "" {
		return nil
	}
	p, err := c.path(obj)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Check verifies the base directory is accessible.
func (c *ContainerStore) Check(context.Context) error {
	info, err := os.Stat(c.basePath)
	if err != nil {
		return fmt.Errorf("stat storage dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %q is not a directory", c.basePath)
	}
	return nil
}

func (c *ContainerStore) path(obj StoredObject) (string, error) {
	if obj.Folder != filepath.Base(obj.Folder) || obj.Key != filepath.Base(obj.Key) {
		return "", fmt.Errorf("invalid object location %q/%q", obj.Folder, obj.Key)
	}
	return filepath.Join(c.basePath, obj.Folder, obj.Key), nil
}
