package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for chunkfs.
type Config struct {
	BaseDir   string          `toml:"base_dir"`
	LogDir    string          `toml:"log_dir"`
	Database  DatabaseConfig  `toml:"database"`
	BlobStore BlobStoreConfig `toml:"blobstore"`
	Deletion  DeletionConfig  `toml:"deletion"`
	Uploads   UploadsConfig   `toml:"uploads"`
	Chunks    ChunksConfig    `toml:"chunks"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type        string `toml:"type"`                // "sqlite", "postgres" or "memory"
	Path        string `toml:"path,omitempty"`      // only used for type=sqlite
	DSN         string `toml:"dsn,omitempty"`       // only used for type=postgres
	MaxConns    int    `toml:"max_conns,omitempty"` // only used for type=postgres
	AutoMigrate bool   `toml:"auto_migrate"`
}

// BlobStoreConfig represents configuration for the chunk blob service.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BlobStoreConfig struct {
	Type string `toml:"type"` // "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3ForcePathStyle  bool   `toml:"s3_force_path_style,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"` // empty uses the AWS default chain
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// Bulk delete limits; zero keeps the store's own.
	BulkMax    int      `toml:"bulk_max,omitempty"`
	BulkWindow Duration `toml:"bulk_window,omitempty"`
}

// DeletionConfig tunes the background blob deletion.
type DeletionConfig struct {
	MaxRetries     int      `toml:"max_retries"`
	DefaultBackoff Duration `toml:"default_backoff"`
	InterCallDelay Duration `toml:"inter_call_delay"`
	DrainTimeout   Duration `toml:"drain_timeout"`
}

// UploadsConfig bounds readiness waits.
type UploadsConfig struct {
	WaitTimeout     Duration `toml:"wait_timeout"`
	SwapWaitTimeout Duration `toml:"swap_wait_timeout"`
}

// ChunksConfig controls how chunk bytes are encoded at rest.
type ChunksConfig struct {
	Compression    string `toml:"compression"` // "zstd" (default) or "none"
	Encryption     string `toml:"encryption"`  // "none" (default) or "age"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// Duration is a time.Duration written as a string such as "1.5s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:        "sqlite",
			Path:        filepath.Join(baseDir, "chunkfs.db"),
			AutoMigrate: true,
		},
		BlobStore: BlobStoreConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "blobs"),
		},
		Deletion: DeletionConfig{
			MaxRetries:     5,
			DefaultBackoff: Duration{2 * time.Second},
			InterCallDelay: Duration{250 * time.Millisecond},
			DrainTimeout:   Duration{30 * time.Second},
		},
		Uploads: UploadsConfig{
			WaitTimeout:     Duration{30 * time.Second},
			SwapWaitTimeout: Duration{10 * time.Second},
		},
		Chunks: ChunksConfig{
			Compression:    "zstd",
			Encryption:     "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "chunkfs.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "chunkfs.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
