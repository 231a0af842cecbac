// Package codec turns chunk plaintext into the payload kept by the blob
// store and back.
//
// A payload is one flags byte followed by the body. The body is the
// plaintext, optionally zstd-compressed, optionally sealed by an
// encryption.Encryptor. Flags are per payload, so chunks written under an
// older configuration stay readable.
package codec

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"chunkfs/internal/encryption"
	"chunkfs/internal/vfs"
)

// MaxChunkSize bounds the plaintext of a single chunk, both when encoding and
// when decompressing a stored payload.
const MaxChunkSize = 64 << 20

const (
	flagZstd   byte = 1 << 0
	flagSealed byte = 1 << 1
	knownFlags      = flagZstd | flagSealed
)

var (
	// ErrChecksumMismatch means a decoded chunk does not match its recorded checksum.
	ErrChecksumMismatch = fmt.Errorf("chunk checksum mismatch: %w", vfs.ErrInvalidState)

	// ErrLocked means a sealed chunk was read before the private key was unlocked.
	ErrLocked = fmt.Errorf("chunk is encrypted and no key is unlocked: %w", vfs.ErrInvalidState)
)

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxChunkSize))
	})
	return zstdErr
}

// Options selects how new chunks are encoded.
type Options struct {
	// Compression is "zstd" or "none".
	Compression string

	// Encryptor seals new chunks when set.
	Encryptor encryption.Encryptor
}

// Codec implements vfs.ChunkCodec.
type Codec struct {
	compress  bool
	encryptor encryption.Encryptor

	mu        sync.RWMutex
	decryptor encryption.DecryptionContext
}

var _ vfs.ChunkCodec = (*Codec)(nil)

// New creates a Codec.
func New(opts Options) (*Codec, error) {
	c := &Codec{encryptor: opts.Encryptor}
	switch opts.Compression {
	case "zstd", "":
		if err := initZstd(); err != nil {
			return nil, fmt.Errorf("initializing zstd: %w", err)
		}
		c.compress = true
	case "none":
	default:
		return nil, fmt.Errorf("unknown compression: %q", opts.Compression)
	}
	return c, nil
}

// Unlocked attaches an unlocked private key so sealed chunks can be read.
func (c *Codec) Unlocked(dc encryption.DecryptionContext) *Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decryptor = dc
	return c
}

// Checksum returns the hex blake3 digest of plain.
func Checksum(plain []byte) string {
	sum := blake3.Sum256(plain)
	return hex.EncodeToString(sum[:])
}

// Encode returns the payload to store and the checksum of plain.
func (c *Codec) Encode(plain []byte) ([]byte, string, error) {
	if len(plain) > MaxChunkSize {
		return nil, "", fmt.Errorf("chunk of %d bytes exceeds %d: %w", len(plain), MaxChunkSize, vfs.ErrInvalidArgument)
	}
	checksum := Checksum(plain)

	var flags byte
	body := plain
	if c.compress && len(plain) > 0 {
		compressed := zstdEncoder.EncodeAll(plain, nil)
		// Incompressible data is stored raw.
		if len(compressed) < len(plain) {
			body = compressed
			flags |= flagZstd
		}
	}

	if c.encryptor != nil {
		sealed, err := encryption.Seal(c.encryptor, body)
		if err != nil {
			return nil, "", err
		}
		body = sealed
		flags |= flagSealed
	}

	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, flags)
	payload = append(payload, body...)
	return payload, checksum, nil
}

// Decode reverses Encode and verifies the result against checksum.
func (c *Codec) Decode(payload []byte, checksum string) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty chunk payload: %w", vfs.ErrInvalidState)
	}
	flags, body := payload[0], payload[1:]
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("unknown chunk flags %#x: %w", flags, vfs.ErrInvalidState)
	}

	if flags&flagSealed != 0 {
		c.mu.RLock()
		dc := c.decryptor
		c.mu.RUnlock()
		if dc == nil {
			return nil, ErrLocked
		}
		opened, err := encryption.Open(dc, body)
		if err != nil {
			return nil, err
		}
		body = opened
	}

	if flags&flagZstd != 0 {
		if err := initZstd(); err != nil {
			return nil, fmt.Errorf("initializing zstd: %w", err)
		}
		plain, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		body = plain
	}

	if checksum != "" && Checksum(body) != checksum {
		return nil, ErrChecksumMismatch
	}
	return body, nil
}
