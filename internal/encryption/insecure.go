package encryption

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"
)

// insecureMagic starts every payload sealed by InsecureEncryptor.
var insecureMagic = []byte("CFSSEAL1")

const insecureHeaderLen = 8 + 4

// ErrWrongPassphrase is returned by Unlock when the passphrase does not match
// the one given to Setup.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// InsecureEncryptor frames chunk bytes the way a real encryptor would but
// masks them with a fixed blake3 keystream. It needs no key files and is
// selected with encryption = "test".
type InsecureEncryptor struct {
	mu         sync.Mutex
	passphrase *string
}

var _ Encryptor = (*InsecureEncryptor)(nil)

func NewInsecureEncryptor() *InsecureEncryptor {
	return &InsecureEncryptor{}
}

// Setup records passphrase. Until Setup is called any passphrase unlocks.
func (e *InsecureEncryptor) Setup(passphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = &passphrase
	return nil
}

// Encrypt writes the magic, the body length and the masked body.
func (e *InsecureEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading plaintext: %w", err)
	}
	header := make([]byte, insecureHeaderLen)
	copy(header, insecureMagic)
	binary.BigEndian.PutUint32(header[len(insecureMagic):], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(mask(body)); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

func (e *InsecureEncryptor) Unlock(passphrase string) (DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.passphrase != nil && *e.passphrase != passphrase {
		return nil, ErrWrongPassphrase
	}
	return insecureOpener{}, nil
}

func (e *InsecureEncryptor) IsConfigured() bool {
	return true
}

type insecureOpener struct{}

func (insecureOpener) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, insecureHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header[:len(insecureMagic)], insecureMagic) {
		return fmt.Errorf("not a sealed payload")
	}
	want := binary.BigEndian.Uint32(header[len(insecureMagic):])
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if uint32(len(body)) != want {
		return fmt.Errorf("sealed body is %d bytes, header says %d", len(body), want)
	}
	if _, err := w.Write(mask(body)); err != nil {
		return fmt.Errorf("writing plaintext: %w", err)
	}
	return nil
}

// mask xors b with the keystream. It is its own inverse.
func mask(b []byte) []byte {
	h := blake3.New()
	h.Write(insecureMagic)
	stream := make([]byte, len(b))
	// Digest reads never fail.
	_, _ = h.Digest().Read(stream)
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ stream[i]
	}
	return out
}
