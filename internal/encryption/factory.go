package encryption

import (
	"fmt"

	"sheetvault/internal/config"
	"sheetvault/internal/sv"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// Type "none" yields a nil Encryptor: blobs are stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (sv.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
