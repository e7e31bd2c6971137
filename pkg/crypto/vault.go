// Package crypto implements the kernel's envelope encryption for provider
// secrets (AES-256-GCM) and the HMAC-SHA256 signer behind every bearer token.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/clawos/kernel/pkg/contracts"
)

const (
	ivSize  = 12
	tagSize = 16
)

// vaultInfo is the HKDF info string separating the AEAD subkey from any
// other use of the master key.
const vaultInfo = "clawos/connections/v1"

// Vault encrypts and decrypts provider secrets. The stored master key never
// touches the cipher directly; an HKDF-SHA256 subkey does.
type Vault struct {
	aead cipher.AEAD
}

// NewVault derives the AEAD subkey from a 32-byte master key.
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}

	subkey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(vaultInfo))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt JSON-serializes obj and seals it with a fresh 12-byte IV.
// The ciphertext layout is iv(12) || tag(16) || ct, base64 encoded.
func (v *Vault) Encrypt(obj any) (string, error) {
	plaintext, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("serialize secret: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	// GCM seals as ct || tag; re-splice to the iv || tag || ct wire layout.
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt inverts Encrypt. Any authentication or format failure returns
// decrypt_failed without revealing which byte differed.
func (v *Vault) Decrypt(b64 string, out any) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return contracts.E(contracts.CodeDecryptFailed, "bad ciphertext encoding")
	}
	if len(data) < ivSize+tagSize {
		return contracts.E(contracts.CodeDecryptFailed, "ciphertext too short")
	}

	iv := data[:ivSize]
	tag := data[ivSize : ivSize+tagSize]
	ct := data[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return contracts.E(contracts.CodeDecryptFailed, "authentication failed")
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return contracts.E(contracts.CodeDecryptFailed, "bad plaintext shape")
	}
	return nil
}
