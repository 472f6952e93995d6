package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"fleetledger/internal/config"
	"fleetledger/internal/ledger"
)

var (
	// ErrKeysExist is returned by Setup when key files are already present.
	// Replacing them would strand every blob sealed to the old public key.
	ErrKeysExist = errors.New("ledger keys already exist")

	// ErrKeyMismatch is returned by Unlock when the private key does not
	// belong to the public key new chunks are sealed to.
	ErrKeyMismatch = errors.New("private key does not match the ledger public key")
)

// AgeEncryptor seals blob chunks to an X25519 public key with filippo.io/age.
// Writers only need the public key. The private key is stored wrapped with
// the operator's passphrase (age scrypt) and is only opened by Unlock.
type AgeEncryptor struct {
	publicKeyPath  string
	privateKeyPath string

	mu        sync.Mutex
	recipient *age.X25519Recipient
}

var _ ledger.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an AgeEncryptor over the configured key files.
func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates the ledger key pair. It refuses to replace existing keys.
func (e *AgeEncryptor) Setup(passphrase string) error {
	if e.IsConfigured() {
		return fmt.Errorf("%w at %s", ErrKeysExist, e.privateKeyPath)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating ledger key pair: %w", err)
	}

	for _, dir := range []string{filepath.Dir(e.publicKeyPath), filepath.Dir(e.privateKeyPath)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(e.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	var wrapped bytes.Buffer
	scrypt, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("deriving passphrase key: %w", err)
	}
	w, err := age.Encrypt(&wrapped, scrypt)
	if err != nil {
		return fmt.Errorf("wrapping private key: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("wrapping private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("wrapping private key: %w", err)
	}
	if err := os.WriteFile(e.privateKeyPath, wrapped.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	e.mu.Lock()
	e.recipient = identity.Recipient()
	e.mu.Unlock()
	return nil
}

// Encrypt seals one chunk to the ledger public key.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := e.loadRecipient()
	if err != nil {
		return err
	}
	sealed, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("sealing chunk: %w", err)
	}
	if _, err := io.Copy(sealed, r); err != nil {
		return fmt.Errorf("sealing chunk: %w", err)
	}
	if err := sealed.Close(); err != nil {
		return fmt.Errorf("finalizing sealed chunk: %w", err)
	}
	return nil
}

// KeyID is the age recipient string of the public key. It is recorded with
// every encrypted blob.
func (e *AgeEncryptor) KeyID() (string, error) {
	recipient, err := e.loadRecipient()
	if err != nil {
		return "", err
	}
	return recipient.String(), nil
}

// Unlock opens the private key with passphrase and checks it against the
// public key.
func (e *AgeEncryptor) Unlock(passphrase string) (ledger.DecryptionContext, error) {
	wrapped, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(wrapped), scrypt)
	if err != nil {
		return nil, fmt.Errorf("opening private key (wrong passphrase?): %w", err)
	}
	keyData, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("opening private key: %w", err)
	}
	identity, err := age.ParseX25519Identity(string(bytes.TrimSpace(keyData)))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	recipient, err := e.loadRecipient()
	if err != nil {
		return nil, err
	}
	if identity.Recipient().String() != recipient.String() {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, recipient)
	}
	return &AgeDecryptionContext{identity: identity, keyID: recipient.String()}, nil
}

// IsConfigured reports whether both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	if _, err := os.Stat(e.publicKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(e.privateKeyPath); err != nil {
		return false
	}
	return true
}

// loadRecipient parses the public key once and keeps it for later chunks.
func (e *AgeEncryptor) loadRecipient() (*age.X25519Recipient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recipient != nil {
		return e.recipient, nil
	}

	data, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing public key %s: %w", e.publicKeyPath, err)
	}
	e.recipient = recipient
	return recipient, nil
}

// AgeDecryptionContext holds the unlocked ledger identity in memory.
type AgeDecryptionContext struct {
	identity age.Identity
	keyID    string
}

var _ ledger.DecryptionContext = (*AgeDecryptionContext)(nil)

// Decrypt opens one sealed chunk.
func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	plain, err := age.Decrypt(r, c.identity)
	if err != nil {
		return fmt.Errorf("opening chunk sealed to %s: %w", c.keyID, err)
	}
	if _, err := io.Copy(w, plain); err != nil {
		return fmt.Errorf("opening chunk: %w", err)
	}
	return nil
}
