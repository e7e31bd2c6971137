package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/clawos/kernel/pkg/contracts"
)

// DefaultSigningKey is used before /kernel/setup has stored a recovery hash.
const DefaultSigningKey = "dev"

// Signer produces and verifies the "<token_id>.<base64url-hmac>" bearer
// form shared by DCTs and action-level cap tokens. The key is the hex of
// the recovery-phrase SHA-256 hash.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer. An empty key falls back to DefaultSigningKey.
func NewSigner(key string) *Signer {
	if key == "" {
		key = DefaultSigningKey
	}
	return &Signer{key: []byte(key)}
}

// Sign returns the unpadded base64url HMAC-SHA256 of id.
func (s *Signer) Sign(id string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Bearer assembles the wire form for a token id.
func (s *Signer) Bearer(id string) string {
	return id + "." + s.Sign(id)
}

// Verify splits bearer on its last dot and compares signatures in constant
// time. It returns the token id, or bad_token.
func (s *Signer) Verify(bearer string) (string, error) {
	i := strings.LastIndex(bearer, ".")
	if i <= 0 || i == len(bearer)-1 {
		return "", contracts.E(contracts.CodeBadToken, "malformed bearer")
	}
	id, sig := bearer[:i], bearer[i+1:]

	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", contracts.E(contracts.CodeBadToken, "malformed signature")
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(id))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", contracts.E(contracts.CodeBadToken, "signature mismatch")
	}
	return id, nil
}
