package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := NewVault(key)
	require.NoError(t, err)
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	secret := map[string]any{"host": "smtp.example.org", "port": "587", "password": "hunter2"}
	enc, err := v.Encrypt(secret)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, v.Decrypt(enc, &out))
	assert.Equal(t, secret["host"], out["host"])
	assert.Equal(t, secret["password"], out["password"])
}

func TestVault_RejectsShortKey(t *testing.T) {
	_, err := NewVault([]byte("short"))
	assert.Error(t, err)
}

func TestVault_DistinctCiphertexts(t *testing.T) {
	v := newTestVault(t)
	a, err := v.Encrypt(map[string]string{"k": "v"})
	require.NoError(t, err)
	b, err := v.Encrypt(map[string]string{"k": "v"})
	require.NoError(t, err)
	// Fresh IV per call.
	assert.NotEqual(t, a, b)
}

func TestVault_GarbageInput(t *testing.T) {
	v := newTestVault(t)

	var out map[string]any
	assert.Error(t, v.Decrypt("not base64!!!", &out))
	assert.Error(t, v.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")), &out))
}

// Property: decrypt(encrypt(x)) == x for arbitrary string maps and keys,
// and flipping any ciphertext byte makes decryption fail.
func TestVault_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("round trip preserves the secret", prop.ForAll(
		func(k, val string) bool {
			v := newTestVault(t)
			in := map[string]string{"k": k, "v": val}
			enc, err := v.Encrypt(in)
			if err != nil {
				return false
			}
			var out map[string]string
			if err := v.Decrypt(enc, &out); err != nil {
				return false
			}
			return out["k"] == k && out["v"] == val
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("tampering any byte fails authentication", prop.ForAll(
		func(val string, pos uint8) bool {
			v := newTestVault(t)
			enc, err := v.Encrypt(map[string]string{"v": val})
			if err != nil {
				return false
			}
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return false
			}
			raw[int(pos)%len(raw)] ^= 0x01
			var out map[string]string
			return v.Decrypt(base64.StdEncoding.EncodeToString(raw), &out) != nil
		},
		gen.AlphaString(), gen.UInt8(),
	))

	properties.TestingRun(t)
}
