package vfs

import "time"

// NodeType distinguishes files from directories. The numeric values are
// persisted, and listings order by type descending so directories come first.
type NodeType int

const (
	// AnyType matches either type when resolving a path.
	AnyType NodeType = 0
	File    NodeType = 1
	Dir     NodeType = 2
)

func (t NodeType) String() string {
	switch t {
	case File:
		return "file"
	case Dir:
		return "directory"
	case AnyType:
		return "any"
	default:
		return "unknown"
	}
}

// User is a filesystem owner. Users are never mutated or deleted.
type User struct {
	ID       int64
	Username string
}

// Node is one filesystem entry. ParentID is nil exactly for a user's root.
type Node struct {
	ID       int64
	UserID   int64
	Name     string
	ParentID *int64
	Type     NodeType
	Atime    time.Time
	Mtime    time.Time
	Ctime    time.Time
	Crtime   time.Time
	Size     int64 // declared size, files only
	Ready    bool  // files only
}

// IsRoot reports whether the node is its owner's root directory.
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name  string
	Type  NodeType
	Mtime time.Time
}

// BlobRef is an opaque reference returned by a BlobStore.
type BlobRef string

// Chunk is one stored piece of a file. Chunks concatenated in Index order
// reconstruct the file.
type Chunk struct {
	NodeID   int64
	Index    int64
	Size     int64 // plaintext size in bytes
	Ref      BlobRef
	Checksum string // hex blake3 of the plaintext
}
