package blobstore

import (
	"context"
	"fmt"

	"chunkfs/internal/config"
	"chunkfs/internal/vfs"
)

// NewBlobStoreFromConfig creates a vfs.BlobStore based on the blobstore config type.
// bulk_max and bulk_window override the store's own limits when set.
func NewBlobStoreFromConfig(ctx context.Context, cfg config.BlobStoreConfig, clock vfs.Clock) (vfs.BlobStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(overrideLimits(DefaultMemoryLimits, cfg), clock), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem blob store requires root to be set")
		}
		s, err := NewFileSystemStore(cfg.Root, overrideLimits(DefaultFileSystemLimits, cfg), clock)
		if err != nil {
			return nil, err
		}
		if err := s.ValidateSetup(); err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 blob store requires s3_bucket to be set")
		}
		s, err := NewS3StoreFromConfig(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			KeyPrefix:       cfg.S3Prefix,
			ForcePathStyle:  cfg.S3ForcePathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, overrideLimits(DefaultS3Limits, cfg), clock)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}
}

func overrideLimits(limits vfs.BulkLimits, cfg config.BlobStoreConfig) vfs.BulkLimits {
	if cfg.BulkMax > 0 {
		limits.MaxBatch = cfg.BulkMax
	}
	if cfg.BulkWindow.Duration > 0 {
		limits.Window = cfg.BulkWindow.Duration
	}
	return limits
}
