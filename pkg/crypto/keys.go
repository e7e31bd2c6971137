package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// Kernel-state keys for the crypto material.
const (
	StateMasterKey    = "connections_key"
	StateRecoveryHash = "recovery_hash"
)

// StateStore is the slice of the store the key manager needs.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	PutStateIfAbsent(ctx context.Context, key, value string) error
}

// EnsureMasterKey returns the 32-byte connections master key, generating and
// persisting it (hex) on first use. An existing key is never overwritten:
// the insert is if-absent and the stored value wins.
func EnsureMasterKey(ctx context.Context, st StateStore) ([]byte, error) {
	if existing, ok, err := st.GetState(ctx, StateMasterKey); err != nil {
		return nil, err
	} else if ok {
		return decodeMasterKey(existing)
	}

	fresh := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := st.PutStateIfAbsent(ctx, StateMasterKey, hex.EncodeToString(fresh)); err != nil {
		return nil, err
	}

	// Re-read: a concurrent boot may have won the insert.
	stored, ok, err := st.GetState(ctx, StateMasterKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("master key vanished after insert")
	}
	return decodeMasterKey(stored)
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key is %d bytes, want 32", len(key))
	}
	return key, nil
}

// HashPhrase returns the hex SHA-256 of a recovery phrase. The hex doubles
// as the token signing key.
func HashPhrase(phrase string) string {
	sum := sha256.Sum256([]byte(phrase))
	return hex.EncodeToString(sum[:])
}

// PhraseMatches compares a candidate phrase against the stored hex hash in
// constant time.
func PhraseMatches(phrase, storedHex string) bool {
	candidate := HashPhrase(phrase)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHex)) == 1
}
