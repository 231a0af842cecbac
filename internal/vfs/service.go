package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ServiceOptions tunes the blocking behaviour of a Service.
type ServiceOptions struct {
	// WaitTimeout bounds readiness waits for reads and for WaitReady calls
	// that pass no timeout of their own.
	WaitTimeout time.Duration

	// SwapWaitTimeout bounds the readiness wait a swap performs before
	// exchanging two files that are still uploading.
	SwapWaitTimeout time.Duration
}

// DefaultServiceOptions returns the timeouts used when none are configured.
func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		WaitTimeout:     30 * time.Second,
		SwapWaitTimeout: 10 * time.Second,
	}
}

// Service is the inbound operation surface of the filesystem. It composes the
// relational store, the blob store, the upload coordinator and the deletion
// scheduler; transports call it with a user id and slash-separated paths.
type Service struct {
	store   Store
	blobs   BlobStore
	codec   ChunkCodec
	deleter *DeletionScheduler
	uploads *UploadCoordinator
	logger  Logger
	clock   Clock
	opts    ServiceOptions
}

// NewService wires a Service from its collaborators.
func NewService(
	store Store,
	blobs BlobStore,
	codec ChunkCodec,
	deleter *DeletionScheduler,
	uploads *UploadCoordinator,
	logger Logger,
	clock Clock,
	opts ServiceOptions,
) *Service {
	return &Service{
		store:   store,
		blobs:   blobs,
		codec:   codec,
		deleter: deleter,
		uploads: uploads,
		logger:  logger,
		clock:   clock,
		opts:    opts,
	}
}

// RegisterUser creates a user with an empty root directory.
func (s *Service) RegisterUser(ctx context.Context, username string) (*User, error) {
	if username == "" || strings.ContainsAny(username, "/\x00") || len(username) > MaxNameLen {
		return nil, NewPathError("register", username, ErrInvalidArgument)
	}
	u, err := s.store.CreateUser(ctx, username, s.clock.Now())
	if err != nil {
		return nil, NewPathError("register", username, err)
	}
	s.logger.Info("registered user", "user", username, "id", u.ID)
	return u, nil
}

// LookupUser returns the user with the given name.
func (s *Service) LookupUser(ctx context.Context, username string) (*User, error) {
	u, err := s.store.FindUserByName(ctx, username)
	if err != nil {
		return nil, NewPathError("lookup", username, err)
	}
	return u, nil
}

// Resolve maps path to a node, checking the leaf type unless expect is AnyType.
func (s *Service) Resolve(ctx context.Context, userID int64, path string, expect NodeType) (*Node, error) {
	n, err := s.store.Resolve(ctx, userID, path, expect)
	if err != nil {
		return nil, NewPathError("resolve", path, err)
	}
	return n, nil
}

// Stat returns the node at path.
func (s *Service) Stat(ctx context.Context, userID int64, path string) (*Node, error) {
	n, err := s.store.Resolve(ctx, userID, path, AnyType)
	if err != nil {
		return nil, NewPathError("stat", path, err)
	}
	return n, nil
}

// ListDir lists the directory at path, directories first then by name.
func (s *Service) ListDir(ctx context.Context, userID int64, path string) ([]DirEntry, error) {
	entries, err := s.store.ListDir(ctx, userID, path)
	if err != nil {
		return nil, NewPathError("listdir", path, err)
	}
	return entries, nil
}

// Create makes an empty file, creating missing parent directories.
func (s *Service) Create(ctx context.Context, userID int64, path string) (*Node, error) {
	n, err := s.store.Create(ctx, userID, path, s.clock.Now())
	if err != nil {
		return nil, NewPathError("create", path, err)
	}
	return n, nil
}

// Mkdir makes a directory and its missing parents. An existing directory is
// returned as is.
func (s *Service) Mkdir(ctx context.Context, userID int64, path string) (*Node, error) {
	n, err := s.store.Mkdir(ctx, userID, path, s.clock.Now())
	if err != nil {
		return nil, NewPathError("mkdir", path, err)
	}
	return n, nil
}

// Rmdir removes an empty directory.
func (s *Service) Rmdir(ctx context.Context, userID int64, path string) error {
	if err := s.store.Rmdir(ctx, userID, path); err != nil {
		return NewPathError("rmdir", path, err)
	}
	return nil
}

// Unlink removes a file. Its blobs are deleted in the background and its
// upload session, if any, is dropped.
func (s *Service) Unlink(ctx context.Context, userID int64, path string) error {
	n, err := s.store.Resolve(ctx, userID, path, File)
	if err != nil {
		return NewPathError("unlink", path, err)
	}
	var refs []BlobRef
	err = s.uploads.End(n.ID, func() error {
		var err error
		_, refs, err = s.store.Unlink(ctx, userID, path)
		return err
	})
	if err != nil {
		return NewPathError("unlink", path, err)
	}
	s.deleter.Schedule(refs)
	return nil
}

// Truncate drops a file's contents and sets its declared size.
func (s *Service) Truncate(ctx context.Context, userID int64, path string, size int64) error {
	if size < 0 {
		return NewPathError("truncate", path, ErrInvalidArgument)
	}
	n, err := s.store.Resolve(ctx, userID, path, File)
	if err != nil {
		return NewPathError("truncate", path, err)
	}
	var refs []BlobRef
	err = s.uploads.End(n.ID, func() error {
		var err error
		_, refs, err = s.store.Truncate(ctx, userID, path, size, s.clock.Now())
		return err
	})
	if err != nil {
		return NewPathError("truncate", path, err)
	}
	s.deleter.Schedule(refs)
	return nil
}

// Rename changes a name within one directory.
func (s *Service) Rename(ctx context.Context, userID int64, from, to string) error {
	if err := s.store.Rename(ctx, userID, from, to, s.clock.Now()); err != nil {
		return NewPathError("rename", from, err)
	}
	return nil
}

// Move reparents a node. An existing destination is never replaced.
func (s *Service) Move(ctx context.Context, userID int64, from, to string) error {
	if err := s.store.Move(ctx, userID, from, to, s.clock.Now()); err != nil {
		return NewPathError("move", from, err)
	}
	return nil
}

// Swap exchanges the positions of two nodes. Files still being uploaded are
// waited on first, bounded by SwapWaitTimeout.
func (s *Service) Swap(ctx context.Context, userID int64, a, b string) error {
	for _, p := range []string{a, b} {
		n, err := s.store.Resolve(ctx, userID, p, AnyType)
		if err != nil {
			return NewPathError("swap", p, err)
		}
		if n.Type != File || n.Ready {
			continue
		}
		err = s.uploads.WaitReady(ctx, n.ID, s.opts.SwapWaitTimeout)
		if errors.Is(err, ErrInvalidState) {
			// No upload is tracked, so there is nothing to wait for.
			continue
		}
		if err != nil {
			s.logger.Warn("swap gave up waiting for upload", "path", p, "error", err)
			return NewPathError("swap", p, err)
		}
	}

	if err := s.store.Swap(ctx, userID, a, b, s.clock.Now()); err != nil {
		return NewPathError("swap", a, err)
	}
	return nil
}

// SetModifyTime sets a file's modify time.
func (s *Service) SetModifyTime(ctx context.Context, userID int64, path string, mtime time.Time) error {
	if mtime.Unix() < 0 {
		return NewPathError("settime", path, ErrInvalidArgument)
	}
	if err := s.store.SetModifyTime(ctx, userID, path, mtime); err != nil {
		return NewPathError("settime", path, err)
	}
	return nil
}

// PrepareUpload declares a new upload of size bytes whose last chunk has
// index terminal. A pending upload of the same file is superseded: its chunks
// are dropped and its blobs deleted.
func (s *Service) PrepareUpload(ctx context.Context, userID int64, path string, size, terminal int64, mtime time.Time) error {
	if size < 0 || terminal < 0 || mtime.Unix() < 0 {
		return NewPathError("prepare", path, ErrInvalidArgument)
	}
	n, err := s.store.Resolve(ctx, userID, path, File)
	if err != nil {
		return NewPathError("prepare", path, err)
	}

	var dropped []BlobRef
	superseded, err := s.uploads.Prepare(n.ID, terminal, func(superseded bool) error {
		var err error
		dropped, err = s.store.PrepareUpload(ctx, n.ID, size, terminal, mtime, superseded)
		return err
	})
	if err != nil {
		return NewPathError("prepare", path, err)
	}
	if superseded {
		s.logger.Info("upload superseded", "path", path, "node", n.ID, "dropped", len(dropped))
	}
	s.deleter.Schedule(dropped)
	return nil
}

// CommitChunk stores chunk index of the file at path and records it. The
// chunk that matches the declared terminal index marks the file ready.
func (s *Service) CommitChunk(ctx context.Context, userID int64, path string, index int64, data []byte) error {
	if index < 0 {
		return NewPathError("commit", path, ErrInvalidArgument)
	}
	n, err := s.store.Resolve(ctx, userID, path, File)
	if err != nil {
		return NewPathError("commit", path, err)
	}
	payload, sum, err := s.codec.Encode(data)
	if err != nil {
		return NewPathError("commit", path, err)
	}

	var ref, replaced BlobRef
	upload := func() error {
		var err error
		ref, err = s.blobs.Put(ctx, fmt.Sprintf("%d.%d", n.ID, index), payload)
		return err
	}
	err = s.uploads.Commit(n.ID, index, upload, func(markReady bool) error {
		var err error
		replaced, err = s.store.PutChunk(ctx, Chunk{
			NodeID:   n.ID,
			Index:    index,
			Size:     int64(len(data)),
			Ref:      ref,
			Checksum: sum,
		}, markReady)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			s.logger.Info("rejected chunk of superseded upload", "path", path, "index", index)
		}
		if ref != "" {
			s.deleter.Schedule([]BlobRef{ref})
		}
		return NewPathError("commit", path, err)
	}
	if replaced != "" && replaced != ref {
		s.deleter.Schedule([]BlobRef{replaced})
	}
	return nil
}

// WaitReady blocks until the file at path is ready. A non-positive timeout
// uses WaitTimeout. Cancelling the wait leaves the upload untouched.
func (s *Service) WaitReady(ctx context.Context, userID int64, path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.opts.WaitTimeout
	}
	n, err := s.store.Resolve(ctx, userID, path, File)
	if err != nil {
		return NewPathError("wait", path, err)
	}
	if n.Ready {
		return nil
	}
	if err := s.uploads.WaitReady(ctx, n.ID, timeout); err != nil {
		if errors.Is(err, ErrUploadTimeout) {
			s.logger.Warn("readiness wait timed out", "path", path, "timeout", timeout)
		}
		return NewPathError("wait", path, err)
	}
	return nil
}

// readable resolves a file for reading, waiting for a pending upload first.
func (s *Service) readable(ctx context.Context, op string, userID int64, path string) (*Node, error) {
	n, err := s.store.Resolve(ctx, userID, path, File)
	if err != nil {
		return nil, NewPathError(op, path, err)
	}
	if n.Ready {
		return n, nil
	}
	// With no tracked session WaitReady fails with ErrInvalidState.
	if err := s.uploads.WaitReady(ctx, n.ID, s.opts.WaitTimeout); err != nil {
		return nil, NewPathError(op, path, err)
	}
	// Re-read so size and chunks belong to the finished session.
	n, err = s.store.Resolve(ctx, userID, path, File)
	if err != nil {
		return nil, NewPathError(op, path, err)
	}
	if !n.Ready {
		return nil, NewPathError(op, path, ErrInvalidState)
	}
	return n, nil
}

// ReadChunk returns the plaintext of one chunk.
func (s *Service) ReadChunk(ctx context.Context, userID int64, path string, index int64) ([]byte, error) {
	n, err := s.readable(ctx, "read", userID, path)
	if err != nil {
		return nil, err
	}
	chunks, err := s.store.ListChunks(ctx, n.ID)
	if err != nil {
		return nil, NewPathError("read", path, err)
	}
	for _, c := range chunks {
		if c.Index == index {
			data, err := s.fetch(ctx, c)
			if err != nil {
				return nil, NewPathError("read", path, err)
			}
			return data, nil
		}
	}
	return nil, NewPathError("read", path, ErrNotFound)
}

// ReadFile writes the whole file to w and returns the number of bytes written.
// A gap in the chunk sequence or a size mismatch fails instead of returning
// partial content.
func (s *Service) ReadFile(ctx context.Context, userID int64, path string, w io.Writer) (int64, error) {
	n, err := s.readable(ctx, "read", userID, path)
	if err != nil {
		return 0, err
	}
	chunks, err := s.store.ListChunks(ctx, n.ID)
	if err != nil {
		return 0, NewPathError("read", path, err)
	}

	var total int64
	for i, c := range chunks {
		if c.Index != int64(i) {
			return 0, NewPathError("read", path, fmt.Errorf("missing chunk %d: %w", i, ErrInvalidState))
		}
		total += c.Size
	}
	if total != n.Size {
		return 0, NewPathError("read", path, fmt.Errorf("chunks hold %d of %d bytes: %w", total, n.Size, ErrInvalidState))
	}

	var written int64
	for _, c := range chunks {
		data, err := s.fetch(ctx, c)
		if err != nil {
			return written, NewPathError("read", path, err)
		}
		m, err := w.Write(data)
		written += int64(m)
		if err != nil {
			return written, NewPathError("read", path, err)
		}
	}
	return written, nil
}

func (s *Service) fetch(ctx context.Context, c Chunk) ([]byte, error) {
	payload, err := s.blobs.Get(ctx, c.Ref)
	if err != nil {
		return nil, fmt.Errorf("fetching chunk %d: %w", c.Index, err)
	}
	data, err := s.codec.Decode(payload, c.Checksum)
	if err != nil {
		return nil, fmt.Errorf("decoding chunk %d: %w", c.Index, err)
	}
	return data, nil
}
