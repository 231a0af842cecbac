// Package blobstore provides the chunk blob service clients: an in-memory
// store for tests, a local directory store and an S3 bucket store.
//
// Every store mints UUIDv7 references, so the creation instant needed by the
// deletion scheduler's age window travels inside the reference itself.
package blobstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chunkfs/internal/vfs"
)

// newRef returns a fresh reference stamped with the given instant.
func newRef(at time.Time) (vfs.BlobRef, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating blob reference: %w", err)
	}
	// The first 48 bits of a v7 UUID are the Unix milliseconds.
	var ms [8]byte
	binary.BigEndian.PutUint64(ms[:], uint64(at.UnixMilli()))
	copy(id[0:6], ms[2:8])
	return vfs.BlobRef(id.String()), nil
}

// createdAt decodes the instant stamped into ref by newRef.
func createdAt(ref vfs.BlobRef) (time.Time, error) {
	id, err := uuid.Parse(string(ref))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing blob reference %q: %w", ref, err)
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("blob reference %q is not time-ordered", ref)
	}
	ms := int64(binary.BigEndian.Uint64(id[0:8]) >> 16)
	return time.UnixMilli(ms).UTC(), nil
}

// validRef rejects references that could escape a key namespace.
func validRef(ref vfs.BlobRef) error {
	if _, err := uuid.Parse(string(ref)); err != nil {
		return fmt.Errorf("invalid blob reference %q: %w", ref, err)
	}
	return nil
}
