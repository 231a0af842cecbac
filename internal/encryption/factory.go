package encryption

import (
	"fmt"

	"chunkfs/internal/config"
)

// NewEncryptorFromConfig returns the Encryptor named by the chunks config,
// or nil when chunks are stored unencrypted.
func NewEncryptorFromConfig(cfg config.ChunksConfig) (Encryptor, error) {
	switch cfg.Encryption {
	case "none", "":
		return nil, nil
	case "age":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption requires public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewInsecureEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Encryption)
	}
}
