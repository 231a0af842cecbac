package testutil

import (
	"chunkfs/internal/blobstore"
	"chunkfs/internal/vfs"
)

// NewMemoryBlobStore creates an in-memory blob store with the default
// bulk limits, stamping references from clock.
func NewMemoryBlobStore(clock vfs.Clock) *blobstore.MemoryStore {
	return blobstore.NewMemoryStore(blobstore.DefaultMemoryLimits, clock)
}
