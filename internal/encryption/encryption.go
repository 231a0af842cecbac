// Package encryption manages the key pair used to seal chunk bytes at rest.
package encryption

import (
	"bytes"
	"fmt"
	"io"
)

// Encryptor seals data for storage. Sealing only needs the public key;
// opening needs the private key, which is unlocked with a passphrase.
type Encryptor interface {
	// Setup generates a new key pair protected by passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a context that can open
	// sealed data.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether keys exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Seal encrypts an in-memory payload.
func Seal(e Encryptor, plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(plain), &buf); err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts an in-memory payload.
func Open(dc DecryptionContext, sealed []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader(sealed), &buf); err != nil {
		return nil, fmt.Errorf("opening: %w", err)
	}
	return buf.Bytes(), nil
}
