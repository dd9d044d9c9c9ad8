package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/fault"
)

// fast engine for tests; the work factor does not change the semantics
func testEngine() *CryptoEngine {
	return NewCryptoEngine(1000)
}

func fixedSalt() []byte {
	salt := make([]byte, SaltSize)
	for i := range salt {
		salt[i] = byte(i)
	}
	return salt
}

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt1, SaltSize)

	salt2, err := GenerateSalt()
	require.NoError(t, err)
	assert.False(t, bytes.Equal(salt1, salt2), "generated salts should be different")
}

func TestDeriveKey(t *testing.T) {
	engine := testEngine()
	salt := fixedSalt()

	key1, err := engine.DeriveKey("seed-a", salt)
	require.NoError(t, err)
	assert.Len(t, key1, KeySize)

	key2, err := engine.DeriveKey("seed-a", salt)
	require.NoError(t, err)
	assert.Equal(t, key1, key2, "same inputs should produce same key")

	key3, err := engine.DeriveKey("seed-b", salt)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)

	otherSalt := fixedSalt()
	otherSalt[0] = 0xff
	key4, err := engine.DeriveKey("seed-a", otherSalt)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key4)
}

func TestDeriveKey_Rejects(t *testing.T) {
	engine := testEngine()

	_, err := engine.DeriveKey("seed", make([]byte, 8))
	assert.True(t, fault.Is(err, fault.KindKeyDerivation))
	assert.ErrorIs(t, err, ErrInvalidSaltSize)

	_, err = engine.DeriveKey("", fixedSalt())
	assert.True(t, fault.Is(err, fault.KindKeyDerivation))
}

func TestDefaultEngineIterations(t *testing.T) {
	assert.Equal(t, 100000, NewDefaultCryptoEngine().iterations)
	assert.Equal(t, DefaultIterations, NewCryptoEngine(0).iterations)
}

func TestSealOpenRoundTrip(t *testing.T) {
	engine := testEngine()
	payloads := [][]byte{
		[]byte(""),
		[]byte(`{"ledger_assets":[]}`),
		[]byte("ünïcödé ✓"),
	}

	for _, p := range payloads {
		ct, iv, err := engine.Seal(p, "seed", fixedSalt())
		require.NoError(t, err)

		out, err := engine.Open(ct, iv, "seed", fixedSalt())
		require.NoError(t, err)
		assert.Equal(t, string(p), string(out))
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	engine := testEngine()
	key, err := engine.DeriveKey("seed", fixedSalt())
	require.NoError(t, err)

	ct1, iv1, err := engine.Encrypt([]byte("same"), key)
	require.NoError(t, err)
	ct2, iv2, err := engine.Encrypt([]byte("same"), key)
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
	assert.NotEqual(t, ct1, ct2)

	nonce, err := DecodeBase64(iv1)
	require.NoError(t, err)
	assert.Len(t, nonce, NonceSize)
}

func TestOpen_IdentityLocking(t *testing.T) {
	engine := testEngine()
	ct, iv, err := engine.Seal([]byte("secret"), "seed-a", fixedSalt())
	require.NoError(t, err)

	_, err = engine.Open(ct, iv, "seed-b", fixedSalt())
	require.Error(t, err)
	assert.Same(t, ErrDecryptionFailed, err)
	assert.True(t, fault.Is(err, fault.KindDecryption))
}

func TestDecrypt_FailuresAreOpaque(t *testing.T) {
	engine := testEngine()
	key, err := engine.DeriveKey("seed", fixedSalt())
	require.NoError(t, err)
	ct, iv, err := engine.Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	raw, _ := DecodeBase64(ct)
	raw[0] ^= 0x01
	tampered := EncodeBase64(raw)

	otherIV := EncodeBase64(make([]byte, NonceSize))

	cases := map[string]func() ([]byte, error){
		"tampered ciphertext": func() ([]byte, error) { return engine.Decrypt(tampered, iv, key) },
		"tampered nonce":      func() ([]byte, error) { return engine.Decrypt(ct, otherIV, key) },
		"short nonce":         func() ([]byte, error) { return engine.Decrypt(ct, EncodeBase64([]byte{1, 2}), key) },
		"bad base64":          func() ([]byte, error) { return engine.Decrypt("%%%", iv, key) },
		"short key":           func() ([]byte, error) { return engine.Decrypt(ct, iv, key[:16]) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := fn()
			assert.Nil(t, out)
			assert.True(t, errors.Is(err, ErrDecryptionFailed))
			assert.Equal(t, ErrDecryptionFailed.Error(), err.Error())
		})
	}
}

func TestSign(t *testing.T) {
	payload := map[string]any{"b": 1, "a": []any{"x", "y"}}
	reordered := map[string]any{"a": []any{"x", "y"}, "b": 1}

	s1, err := Sign(payload, "seed", "sheet-1")
	require.NoError(t, err)
	s2, err := Sign(reordered, "seed", "sheet-1")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 64)

	s3, err := Sign(payload, "seed", "sheet-2")
	require.NoError(t, err)
	assert.NotEqual(t, s1, s3)

	s4, err := Sign(payload, "seed", "https://docs.google.com/spreadsheets/d/sheet-1/edit#gid=0")
	require.NoError(t, err)
	assert.Equal(t, s1, s4, "URL and bare id must sign identically")

	assert.True(t, VerifySignature(payload, "seed", "sheet-1", s1))
	assert.False(t, VerifySignature(payload, "other", "sheet-1", s1))
}

func TestNormalizeResourceID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1AbC_d-9", "1AbC_d-9"},
		{"  1AbC_d-9  ", "1AbC_d-9"},
		{"https://docs.google.com/spreadsheets/d/1AbC_d-9/edit#gid=0", "1AbC_d-9"},
		{"https://docs.google.com/spreadsheets/d/1AbC_d-9", "1AbC_d-9"},
		{"https://drive.google.com/open?id=1AbC_d-9", "1AbC_d-9"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeResourceID(tt.in), tt.in)
	}
}

func TestBase64_LargeInput(t *testing.T) {
	data := make([]byte, 8<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	out, err := DecodeBase64(EncodeBase64(data))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))
}

func TestZeroize(t *testing.T) {
	key := []byte{1, 2, 3}
	Zeroize(key)
	assert.Equal(t, []byte{0, 0, 0}, key)
}
