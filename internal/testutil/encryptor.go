package testutil

import (
	"fleetledger/internal/encryption"
	"fleetledger/internal/ledger"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() ledger.Encryptor {
	return encryption.NewTestEncryptor()
}
