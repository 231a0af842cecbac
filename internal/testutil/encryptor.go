package testutil

import (
	"testing"

	"chunkfs/internal/codec"
	"chunkfs/internal/encryption"
)

// NewTestCodec creates a zstd codec that seals with the insecure encryptor
// and is already unlocked.
func NewTestCodec(t *testing.T) *codec.Codec {
	t.Helper()

	enc := encryption.NewInsecureEncryptor()
	c, err := codec.New(codec.Options{Compression: "zstd", Encryptor: enc})
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	dc, err := enc.Unlock("")
	if err != nil {
		t.Fatalf("failed to unlock test encryptor: %v", err)
	}
	return c.Unlocked(dc)
}
