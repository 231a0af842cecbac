package vfs

import (
	"context"
	"time"
)

// Store provides the relational side of the filesystem: users, the node
// hierarchy with its closure table, and chunk rows. Every mutating method runs
// in a single transaction and leaves no partial effect on failure.
type Store interface {
	// User operations

	// CreateUser registers a username together with its root directory.
	CreateUser(ctx context.Context, username string, now time.Time) (*User, error)

	// FindUserByName returns ErrNotFound for an unknown username.
	FindUserByName(ctx context.Context, username string) (*User, error)

	// Lookups

	// Resolve maps a path to a node. expect, unless AnyType, must match the
	// leaf's type; intermediate segments must be directories.
	Resolve(ctx context.Context, userID int64, path string, expect NodeType) (*Node, error)

	// ListDir lists a directory, directories first then by name.
	ListDir(ctx context.Context, userID int64, path string) ([]DirEntry, error)

	// IsDescendant reports whether descendant lies in ancestor's subtree.
	// A node is its own descendant.
	IsDescendant(ctx context.Context, ancestor, descendant int64) (bool, error)

	// Hierarchy mutations

	// Create makes an empty file, creating missing parent directories.
	Create(ctx context.Context, userID int64, path string, now time.Time) (*Node, error)

	// Mkdir makes a directory and any missing parents. It is idempotent.
	Mkdir(ctx context.Context, userID int64, path string, now time.Time) (*Node, error)

	// Rmdir removes an empty directory.
	Rmdir(ctx context.Context, userID int64, path string) error

	// Unlink removes a file and returns the blob references its chunks held.
	Unlink(ctx context.Context, userID int64, path string) (*Node, []BlobRef, error)

	// Truncate drops every chunk of a file and sets its declared size.
	Truncate(ctx context.Context, userID int64, path string, size int64, now time.Time) (*Node, []BlobRef, error)

	// Rename changes a node's name within its directory.
	Rename(ctx context.Context, userID int64, from, to string, now time.Time) error

	// Move reparents a node without replacing an existing destination.
	Move(ctx context.Context, userID int64, from, to string, now time.Time) error

	// Swap exchanges the (name, parent) positions of two nodes of equal type.
	Swap(ctx context.Context, userID int64, a, b string, now time.Time) error

	// SetModifyTime sets a file's modify time.
	SetModifyTime(ctx context.Context, userID int64, path string, mtime time.Time) error

	// Upload persistence

	// PrepareUpload marks a file not ready with the declared size and mtime.
	// Chunks past terminal are always dropped; purge drops all of them.
	// The references of dropped chunks are returned.
	PrepareUpload(ctx context.Context, nodeID int64, size, terminal int64, mtime time.Time, purge bool) ([]BlobRef, error)

	// PutChunk records a chunk, replacing any row with the same index, and
	// marks the file ready when markReady is set. The replaced reference, if
	// any, is returned.
	PutChunk(ctx context.Context, chunk Chunk, markReady bool) (BlobRef, error)

	// ListChunks returns a file's chunks ordered by index.
	ListChunks(ctx context.Context, nodeID int64) ([]Chunk, error)

	// Close releases the underlying connection pool.
	Close() error
}
