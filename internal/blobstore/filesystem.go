package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"chunkfs/internal/vfs"
)

// DefaultFileSystemLimits has no age window; any blob may be bulk-deleted.
var DefaultFileSystemLimits = vfs.BulkLimits{MaxBatch: 100}

// FileSystemStore keeps blobs as files in a directory structure:
//
//	<root>/
//	  chunks/
//	    <ref>     (one file per blob, named by its reference)
type FileSystemStore struct {
	root      string
	chunksDir string
	limits    vfs.BulkLimits
	clock     vfs.Clock
}

// NewFileSystemStore creates a store rooted at the given path.
func NewFileSystemStore(root string, limits vfs.BulkLimits, clock vfs.Clock) (*FileSystemStore, error) {
	chunksDir := filepath.Join(root, "chunks")
	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunks directory: %w", err)
	}
	if clock == nil {
		clock = vfs.RealClock{}
	}

	return &FileSystemStore{
		root:      root,
		chunksDir: chunksDir,
		limits:    limits,
		clock:     clock,
	}, nil
}

// Put writes data under a fresh reference.
func (s *FileSystemStore) Put(ctx context.Context, name string, data []byte) (vfs.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := newRef(s.clock.Now())
	if err != nil {
		return "", err
	}
	if err := s.writeFile(filepath.Join(s.chunksDir, string(ref)), data); err != nil {
		return "", err
	}
	return ref, nil
}

// Get reads the blob behind ref.
func (s *FileSystemStore) Get(ctx context.Context, ref vfs.BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validRef(ref); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.chunksDir, string(ref)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", ref, vfs.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// DeleteOne removes the blob behind ref.
func (s *FileSystemStore) DeleteOne(ctx context.Context, ref vfs.BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validRef(ref); err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(s.chunksDir, string(ref))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("blob %s: %w", ref, vfs.ErrBlobNotFound)
		}
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// DeleteBulk removes every listed blob, skipping ones already gone.
func (s *FileSystemStore) DeleteBulk(ctx context.Context, refs []vfs.BlobRef) error {
	if s.limits.MaxBatch > 0 && len(refs) > s.limits.MaxBatch {
		return fmt.Errorf("bulk delete of %d blobs exceeds limit %d", len(refs), s.limits.MaxBatch)
	}
	for _, ref := range refs {
		if err := s.DeleteOne(ctx, ref); err != nil && !errors.Is(err, vfs.ErrBlobNotFound) {
			return err
		}
	}
	return nil
}

func (s *FileSystemStore) BulkLimits() vfs.BulkLimits { return s.limits }

func (s *FileSystemStore) CreatedAt(ref vfs.BlobRef) (time.Time, error) {
	return createdAt(ref)
}

// ValidateSetup verifies that the store directories are accessible.
func (s *FileSystemStore) ValidateSetup() error {
	for _, dir := range []string{s.root, s.chunksDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("blob store directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("blob store path is not a directory: %s", dir)
		}
	}
	return nil
}

// writeFile writes data to destPath using atomic write (temp file + rename).
func (s *FileSystemStore) writeFile(destPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ vfs.BlobStore = (*FileSystemStore)(nil)
