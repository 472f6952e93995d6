package ledger

import "io"

// Encryptor seals blob chunks before they reach the vault.
// Encryption uses the public key only; decryption requires unlocking the
// private key with a passphrase, producing a DecryptionContext.
type Encryptor interface {
	// Setup performs one-time key generation.
	Setup(passphrase string) error

	// KeyID identifies the key new chunks are sealed with. It is recorded
	// alongside every encrypted blob.
	KeyID() (string, error)

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a DecryptionContext.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether key material is present.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory only.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
