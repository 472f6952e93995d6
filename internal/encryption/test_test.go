package encryption

import (
	"bytes"
	"testing"
)

func TestTestEncryptor_Setup(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	if err := e.Setup("any-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.setupCalled {
		t.Error("Setup() did not record that it was called")
	}
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false, want true")
	}
	if id, _ := e.KeyID(); id != TestKeyID {
		t.Errorf("KeyID() = %q, want %q", id, TestKeyID)
	}
}

func TestTestEncryptor_EncryptDecrypt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := NewTestEncryptor()

			var sealed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &sealed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.HasPrefix(sealed.Bytes(), testHeader) {
				t.Error("sealed output does not start with test header")
			}

			dc, err := e.Unlock("any-passphrase")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}

			var plain bytes.Buffer
			if err := dc.Decrypt(bytes.NewReader(sealed.Bytes()), &plain); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(plain.Bytes(), tt.input) {
				t.Errorf("round-trip failed: got %q, want %q", plain.Bytes(), tt.input)
			}
		})
	}
}

func TestTestEncryptor_Deterministic(t *testing.T) {
	t.Parallel()

	input := []byte("deterministic test")
	e := NewTestEncryptor()

	var enc1, enc2 bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(input), &enc1); err != nil {
		t.Fatalf("first Encrypt() error = %v", err)
	}
	if err := e.Encrypt(bytes.NewReader(input), &enc2); err != nil {
		t.Fatalf("second Encrypt() error = %v", err)
	}

	if !bytes.Equal(enc1.Bytes(), enc2.Bytes()) {
		t.Error("same input produced different sealed output")
	}
}

func TestTestDecryptionContext_BadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "invalid header", input: []byte("NOT_VALID_HEADER_data")},
		{name: "truncated header", input: []byte("LD")},
		{name: "empty input", input: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc := &TestDecryptionContext{}
			var out bytes.Buffer
			if err := dc.Decrypt(bytes.NewReader(tt.input), &out); err == nil {
				t.Error("Decrypt() expected error")
			}
		})
	}
}
