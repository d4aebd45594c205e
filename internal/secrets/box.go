package secrets

import (
	"encoding/json"
	"fmt"

	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

// Box encrypts and decrypts mount credentials with the master key.
// Blobs are stored as nonce || ciphertext so a single opaque column
// round-trips through any store backend.
type Box struct {
	provider *MasterKeyProvider
}

// NewBox creates a Box backed by the given key provider.
func NewBox(provider *MasterKeyProvider) *Box {
	return &Box{provider: provider}
}

// EncryptCredentials serializes and encrypts mount credentials.
func (b *Box) EncryptCredentials(creds *agentwire.MountCredentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}

	ciphertext, nonce, err := Encrypt(plaintext, b.provider.Key())
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// DecryptCredentials decrypts a stored blob back into mount credentials.
func (b *Box) DecryptCredentials(blob []byte) (*agentwire.MountCredentials, error) {
	if len(blob) <= gcmNonceSize {
		return nil, fmt.Errorf("credentials blob too short: %d bytes", len(blob))
	}
	nonce, ciphertext := blob[:gcmNonceSize], blob[gcmNonceSize:]

	plaintext, err := Decrypt(ciphertext, nonce, b.provider.Key())
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	var creds agentwire.MountCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &creds, nil
}

// gcmNonceSize is the standard GCM nonce length used by Encrypt.
const gcmNonceSize = 12
