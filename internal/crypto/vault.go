// Package crypto encrypts broker credentials at rest. Secrets are sealed
// with AES-256-GCM under a key derived from a master passphrase via
// PBKDF2-HMAC-SHA256; the stored form is a base64-wrapped versioned JSON
// envelope so the scheme can rotate without a migration.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the envelope schema version.
	currentVersion = 1
)

// envelopeJSON is the sealed-secret wire format. The whole blob is
// base64-encoded before storage so it rides in a plain text column.
type envelopeJSON struct {
	Version    int    `json:"v"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Vault seals and opens secrets under a single master passphrase. Derived
// keys are cached per salt; derivation is deliberately slow.
type Vault struct {
	passphrase []byte

	mu   sync.Mutex
	keys map[string][]byte // salt (base64) -> derived key
}

// NewVault creates a Vault. The passphrase must not be empty.
func NewVault(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: master passphrase must not be empty")
	}
	return &Vault{
		passphrase: []byte(passphrase),
		keys:       make(map[string][]byte),
	}, nil
}

// Encrypt seals plaintext and returns the storable envelope string.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob, err := json.Marshal(envelopeJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("crypto: encoding envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (v *Vault) Decrypt(envelope string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding envelope: %w", err)
	}

	var stored envelopeJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing envelope JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported envelope version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: bad nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong passphrase?): %w", err)
	}
	return string(plaintext), nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := v.deriveKey(salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

func (v *Vault) deriveKey(salt []byte) []byte {
	cacheKey := base64.StdEncoding.EncodeToString(salt)

	v.mu.Lock()
	key, ok := v.keys[cacheKey]
	v.mu.Unlock()
	if ok {
		return key
	}

	key = pbkdf2.Key(v.passphrase, salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	v.mu.Lock()
	v.keys[cacheKey] = key
	v.mu.Unlock()
	return key
}
