package encryption

import (
	"fmt"

	"fleetledger/internal/config"
	"fleetledger/internal/ledger"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// Type "none" (or empty) returns a nil Encryptor and blobs are stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (ledger.Encryptor, error) {
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
