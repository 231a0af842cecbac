package vfs

import (
	"context"
	"time"
)

// BulkLimits describes what a blob service accepts in one bulk delete.
type BulkLimits struct {
	// MaxBatch is the largest number of references per bulk call.
	MaxBatch int

	// Window is how recent a reference must be to be bulk-deletable.
	// Zero means every reference is eligible.
	Window time.Duration
}

// BlobStore is the client contract for the remote chunk service.
// References are opaque to callers but encode their creation instant.
type BlobStore interface {
	// Put stores data and returns a fresh reference. name is a hint used
	// by services that label blobs.
	Put(ctx context.Context, name string, data []byte) (BlobRef, error)

	// Get returns the bytes behind ref, or ErrBlobNotFound.
	Get(ctx context.Context, ref BlobRef) ([]byte, error)

	// DeleteOne removes a single blob. It returns ErrBlobNotFound when the
	// blob is already gone and *RateLimitError when throttled.
	DeleteOne(ctx context.Context, ref BlobRef) error

	// DeleteBulk removes up to BulkLimits().MaxBatch blobs in one call.
	// It returns *RateLimitError when throttled.
	DeleteBulk(ctx context.Context, refs []BlobRef) error

	// BulkLimits reports the service's bulk-delete constraints.
	BulkLimits() BulkLimits

	// CreatedAt decodes the creation instant carried by ref.
	CreatedAt(ref BlobRef) (time.Time, error)
}
