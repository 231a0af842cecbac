package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chunkfs/internal/vfs"
)

// DefaultMemoryLimits mirror a chat-attachment style service: small bulk
// batches, only for recent uploads.
var DefaultMemoryLimits = vfs.BulkLimits{MaxBatch: 100, Window: 14 * 24 * time.Hour}

// MemoryStore is an in-memory implementation of vfs.BlobStore.
// It enforces its own bulk limits so callers that break them fail loudly,
// which makes it useful for testing. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[vfs.BlobRef][]byte
	limits vfs.BulkLimits
	clock  vfs.Clock
}

// NewMemoryStore creates an empty store. References are stamped from clock.
func NewMemoryStore(limits vfs.BulkLimits, clock vfs.Clock) *MemoryStore {
	if clock == nil {
		clock = vfs.RealClock{}
	}
	return &MemoryStore{
		blobs:  make(map[vfs.BlobRef][]byte),
		limits: limits,
		clock:  clock,
	}
}

func (m *MemoryStore) Put(ctx context.Context, name string, data []byte) (vfs.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := newRef(m.clock.Now())
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *MemoryStore) Get(ctx context.Context, ref vfs.BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref, vfs.ErrBlobNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) DeleteOne(ctx context.Context, ref vfs.BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blobs[ref]; !ok {
		return fmt.Errorf("blob %s: %w", ref, vfs.ErrBlobNotFound)
	}
	delete(m.blobs, ref)
	return nil
}

// DeleteBulk removes every listed blob. Missing blobs are ignored, but the
// whole call fails when it exceeds the batch cap or includes a reference
// older than the window.
func (m *MemoryStore) DeleteBulk(ctx context.Context, refs []vfs.BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.limits.MaxBatch > 0 && len(refs) > m.limits.MaxBatch {
		return fmt.Errorf("bulk delete of %d blobs exceeds limit %d", len(refs), m.limits.MaxBatch)
	}
	if m.limits.Window > 0 {
		cutoff := m.clock.Now().Add(-m.limits.Window)
		for _, ref := range refs {
			at, err := createdAt(ref)
			if err != nil {
				return err
			}
			if at.Before(cutoff) {
				return fmt.Errorf("blob %s is too old for bulk delete", ref)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range refs {
		delete(m.blobs, ref)
	}
	return nil
}

func (m *MemoryStore) BulkLimits() vfs.BulkLimits { return m.limits }

func (m *MemoryStore) CreatedAt(ref vfs.BlobRef) (time.Time, error) {
	return createdAt(ref)
}

// Has reports whether ref is stored.
func (m *MemoryStore) Has(ref vfs.BlobRef) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[ref]
	return ok
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ vfs.BlobStore = (*MemoryStore)(nil)
