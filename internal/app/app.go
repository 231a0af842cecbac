package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"chunkfs/internal/blobstore"
	"chunkfs/internal/codec"
	"chunkfs/internal/config"
	"chunkfs/internal/database"
	"chunkfs/internal/encryption"
	"chunkfs/internal/vfs"
)

// DefaultChunkSize is the chunk size used by Upload when none is given.
const DefaultChunkSize = 4 << 20

// App is the application layer between the CLI and vfs.Service.
// It constructs all dependencies from config, exposes high-level operations
// keyed by username, and drains pending deletions on Close.
type App struct {
	cfg       *config.Config
	store     *database.Store
	blobs     vfs.BlobStore
	encryptor encryption.Encryptor
	codec     *codec.Codec
	deleter   *vfs.DeletionScheduler
	service   *vfs.Service
	logger    *slogAdapter
	clock     vfs.Clock
	op        *Operation
	logFile   *os.File
}

// New creates a fully wired App from the given config.
// command identifies the CLI command being run (e.g. "put", "mv").
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, command string) (*App, error) {
	clock := vfs.RealClock{}

	if cfg.Database.Type == "sqlite" && cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	store, err := database.NewStoreFromConfig(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	blobs, err := blobstore.NewBlobStoreFromConfig(ctx, cfg.BlobStore, clock)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Chunks)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	cdc, err := codec.New(codec.Options{Compression: cfg.Chunks.Compression, Encryptor: enc})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating chunk codec: %w", err)
	}

	op := NewOperation(command, clock.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	adapter := &slogAdapter{l: logger.With("command", command)}

	deleter := vfs.NewDeletionScheduler(blobs, deletionPolicy(cfg.Deletion), adapter, clock)
	svc := vfs.NewService(store, blobs, cdc, deleter, vfs.NewUploadCoordinator(), adapter, clock, serviceOptions(cfg.Uploads))

	return &App{
		cfg:       cfg,
		store:     store,
		blobs:     blobs,
		encryptor: enc,
		codec:     cdc,
		deleter:   deleter,
		service:   svc,
		logger:    adapter,
		clock:     clock,
		op:        op,
		logFile:   logFile,
	}, nil
}

// deletionPolicy fills unset config fields from the defaults.
func deletionPolicy(cfg config.DeletionConfig) vfs.DeletionPolicy {
	p := vfs.DefaultDeletionPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.DefaultBackoff.Duration > 0 {
		p.DefaultBackoff = cfg.DefaultBackoff.Duration
	}
	if cfg.InterCallDelay.Duration > 0 {
		p.InterCallDelay = cfg.InterCallDelay.Duration
	}
	return p
}

func serviceOptions(cfg config.UploadsConfig) vfs.ServiceOptions {
	o := vfs.DefaultServiceOptions()
	if cfg.WaitTimeout.Duration > 0 {
		o.WaitTimeout = cfg.WaitTimeout.Duration
	}
	if cfg.SwapWaitTimeout.Duration > 0 {
		o.SwapWaitTimeout = cfg.SwapWaitTimeout.Duration
	}
	return o
}

// Service returns the wired filesystem service.
func (a *App) Service() *vfs.Service { return a.service }

// Store returns the metadata store.
func (a *App) Store() *database.Store { return a.store }

// Encryptor returns the configured encryptor, or nil when chunks are not sealed.
func (a *App) Encryptor() encryption.Encryptor { return a.encryptor }

// Operation returns the operation this App was created for.
func (a *App) Operation() *Operation { return a.op }

// Unlock unlocks the private key so sealed chunks can be read.
// It is a no-op when encryption is not configured.
func (a *App) Unlock(passphrase string) error {
	if a.encryptor == nil {
		return nil
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	a.codec.Unlocked(dc)
	return nil
}

// NeedsUnlock reports whether reads require a passphrase.
func (a *App) NeedsUnlock() bool {
	return a.encryptor != nil
}

// AddUser registers a new user.
func (a *App) AddUser(ctx context.Context, username string) (*vfs.User, error) {
	return a.service.RegisterUser(ctx, username)
}

// UserID looks up the id of username.
func (a *App) UserID(ctx context.Context, username string) (int64, error) {
	u, err := a.service.LookupUser(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("user %q: %w", username, err)
	}
	return u.ID, nil
}

// Upload stores size bytes read from r as the file at remote, creating it
// when missing. The contents are split into chunkSize pieces and committed in
// order; a non-positive chunkSize uses DefaultChunkSize.
func (a *App) Upload(ctx context.Context, userID int64, remote string, r io.Reader, size int64, chunkSize int, mtime time.Time) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if _, err := a.service.Resolve(ctx, userID, remote, vfs.File); err != nil {
		if !errors.Is(err, vfs.ErrNotFound) {
			return err
		}
		if _, err := a.service.Create(ctx, userID, remote); err != nil {
			return err
		}
	}

	terminal := int64(0)
	if size > 0 {
		terminal = (size - 1) / int64(chunkSize)
	}
	if err := a.service.PrepareUpload(ctx, userID, remote, size, terminal, mtime); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	remaining := size
	for index := int64(0); index <= terminal; index++ {
		n := min(int64(chunkSize), remaining)
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return fmt.Errorf("reading chunk %d of %s: %w", index, remote, err)
		}
		if err := a.service.CommitChunk(ctx, userID, remote, index, buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}

	a.logger.Info("uploaded file", "path", remote, "size", size, "chunks", terminal+1)
	return nil
}

// Download writes the file at remote to w.
func (a *App) Download(ctx context.Context, userID int64, remote string, w io.Writer) (int64, error) {
	return a.service.ReadFile(ctx, userID, remote, w)
}

// Mv renames within one directory and moves otherwise.
func (a *App) Mv(ctx context.Context, userID int64, from, to string) error {
	same, err := vfs.SameParent(from, to)
	if err != nil {
		return vfs.NewPathError("mv", from, err)
	}
	if same {
		return a.service.Rename(ctx, userID, from, to)
	}
	return a.service.Move(ctx, userID, from, to)
}

// Fail marks the operation failed and logs err.
func (a *App) Fail(err error) {
	a.op.Fail()
	a.logger.Error("operation failed", "error", err)
}

// Close waits for scheduled blob deletions, logs the operation outcome and
// closes all resources.
func (a *App) Close() error {
	var firstErr error

	timeout := a.cfg.Deletion.DrainTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.deleter.Drain(ctx); err != nil {
		a.logger.Warn("pending deletions abandoned", "error", err)
		firstErr = fmt.Errorf("draining deletions: %w", err)
	}

	a.logger.Info("operation finished",
		"status", a.op.Status,
		"elapsed", a.op.Elapsed(a.clock.Now()).Truncate(time.Millisecond))

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
