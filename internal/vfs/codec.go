package vfs

// ChunkCodec transforms chunk bytes on their way to and from the blob store.
type ChunkCodec interface {
	// Encode returns the payload to store and the plaintext checksum.
	Encode(plain []byte) (payload []byte, checksum string, err error)

	// Decode reverses Encode and verifies the plaintext against checksum.
	Decode(payload []byte, checksum string) ([]byte, error)
}
