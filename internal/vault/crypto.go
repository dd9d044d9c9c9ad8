package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ledgersync/ledgersync/internal/fault"
)

const (
	// Crypto constants
	KeySize   = 32 // AES-256 key size
	SaltSize  = 16 // PBKDF2 salt size
	NonceSize = 12 // GCM nonce size

	// DefaultIterations is the PBKDF2-SHA256 work factor
	DefaultIterations = 100000
)

var (
	// ErrDecryptionFailed is the single opaque result of every failed decryption
	ErrDecryptionFailed = fault.New(fault.KindDecryption, "decryption failed")
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInvalidSaltSize  = errors.New("invalid salt size")
)

// CryptoEngine handles all cryptographic operations
type CryptoEngine struct {
	iterations int
}

// NewCryptoEngine creates a new crypto engine with the given PBKDF2 iteration count
func NewCryptoEngine(iterations int) *CryptoEngine {
	if iterations < 1 {
		iterations = DefaultIterations
	}
	return &CryptoEngine{iterations: iterations}
}

// NewDefaultCryptoEngine creates a new crypto engine with default parameters
func NewDefaultCryptoEngine() *CryptoEngine {
	return NewCryptoEngine(DefaultIterations)
}

// GenerateSalt creates a cryptographically secure random salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fault.Wrap(fault.KindKeyDerivation, err, "failed to generate salt")
	}
	return salt, nil
}

// DeriveKey derives an AES-256 key from seed using PBKDF2-HMAC-SHA256
func (ce *CryptoEngine) DeriveKey(seed string, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fault.Wrap(fault.KindKeyDerivation, ErrInvalidSaltSize,
			"expected %d byte salt, got %d", SaltSize, len(salt))
	}
	if seed == "" {
		return nil, fault.New(fault.KindKeyDerivation, "empty identity seed")
	}
	return pbkdf2.Key([]byte(seed), salt, ce.iterations, KeySize, sha256.New), nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh nonce and returns
// the base64 ciphertext and base64 nonce.
func (ce *CryptoEngine) Encrypt(plaintext, key []byte) (string, string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return EncodeBase64(ciphertext), EncodeBase64(nonce), nil
}

// Decrypt is the inverse of Encrypt. Every failure yields ErrDecryptionFailed.
func (ce *CryptoEngine) Decrypt(ciphertextB64, nonceB64 string, key []byte) ([]byte, error) {
	ciphertext, err := DecodeBase64(ciphertextB64)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonce, err := DecodeBase64(nonceB64)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrDecryptionFailed
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Seal derives a key from seed and salt and encrypts plaintext with it
func (ce *CryptoEngine) Seal(plaintext []byte, seed string, salt []byte) (string, string, error) {
	key, err := ce.DeriveKey(seed, salt)
	if err != nil {
		return "", "", err
	}
	defer Zeroize(key)

	return ce.Encrypt(plaintext, key)
}

// Open derives a key from seed and salt and decrypts with it
func (ce *CryptoEngine) Open(ciphertextB64, nonceB64, seed string, salt []byte) ([]byte, error) {
	key, err := ce.DeriveKey(seed, salt)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer Zeroize(key)

	return ce.Decrypt(ciphertextB64, nonceB64, key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Sign returns the hex SHA-256 digest of canonical(payload) + seed + normalized resource id
func Sign(payload any, seed, resourceID string) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(seed))
	h.Write([]byte(NormalizeResourceID(resourceID)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySignature recomputes the signature and compares in constant time
func VerifySignature(payload any, seed, resourceID, signature string) bool {
	expected, err := Sign(payload, seed, resourceID)
	if err != nil {
		return false
	}
	return SecureCompare([]byte(expected), []byte(strings.ToLower(signature)))
}

var (
	pathIDPattern  = regexp.MustCompile(`/d/([A-Za-z0-9_-]+)`)
	queryIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// NormalizeResourceID strips URL wrapping from a spreadsheet reference so
// that "https://.../d/<id>/edit#gid=0", "...?id=<id>" and "<id>" all agree.
func NormalizeResourceID(resourceID string) string {
	s := strings.TrimSpace(resourceID)
	if m := pathIDPattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if strings.Contains(s, "?") {
		if u, err := url.Parse(s); err == nil {
			if id := u.Query().Get("id"); queryIDPattern.MatchString(id) {
				return id
			}
		}
	}
	return s
}

// EncodeBase64 encodes data with the standard alphabet
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64, tolerating surrounding whitespace
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// Zeroize securely clears a byte slice
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// SecureCompare performs constant-time comparison of two byte slices
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
