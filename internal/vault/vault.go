/**
 * @description
 * Credential vault. Provider secrets are serialized to JSON and sealed with
 * XChaCha20-Poly1305 under a key derived from the process master key with HKDF-SHA256.
 * Envelope layout: version (1 byte) || nonce (24 bytes) || ciphertext+tag.
 *
 * @dependencies
 * - golang.org/x/crypto/chacha20poly1305: AEAD cipher.
 * - golang.org/x/crypto/hkdf: key derivation from the configured master key.
 */

package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kessai/link-service/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = byte(1)
	minKeyLength    = 32
	hkdfInfo        = "kessai-link-service credential vault v1"
)

var (
	// ErrDecryption is returned for tampered, truncated or foreign ciphertext.
	ErrDecryption = errors.New("credential decryption failed")
	// ErrMissingKey is returned when a production-like environment has no master key.
	ErrMissingKey = errors.New("vault master key is not configured")
)

// Vault encrypts and decrypts provider credentials. It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from masterKey, which must hold at least 32 bytes.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) < minKeyLength {
		return nil, fmt.Errorf("vault master key must be at least %d bytes", minKeyLength)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// FromConfig builds the process vault. rawKey may be base64 or raw text. Outside
// development a missing key is fatal; in development an ephemeral key is generated so
// credentials never outlive the process.
func FromConfig(rawKey string, productionLike bool, logger *slog.Logger) (*Vault, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		if productionLike {
			return nil, ErrMissingKey
		}
		ephemeral := make([]byte, minKeyLength)
		if _, err := rand.Read(ephemeral); err != nil {
			return nil, fmt.Errorf("generate ephemeral vault key: %w", err)
		}
		logger.Warn("VAULT_MASTER_KEY not set; using an ephemeral key, stored credentials will not survive a restart",
			"component", "vault")
		return New(ephemeral)
	}
	return New(decodeKey(rawKey))
}

func decodeKey(raw string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= minKeyLength {
		return decoded
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil && len(decoded) >= minKeyLength {
		return decoded
	}
	return []byte(raw)
}

// Encrypt seals the credentials into a versioned envelope.
func (v *Vault) Encrypt(creds domain.Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := append([]byte{envelopeVersion}, nonce...)
	return v.aead.Seal(out, nonce, plaintext, []byte{envelopeVersion}), nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure is reported as
// ErrDecryption without detail about which check failed.
func (v *Vault) Decrypt(envelope []byte) (domain.Credentials, error) {
	nonceSize := v.aead.NonceSize()
	if len(envelope) < 1+nonceSize+v.aead.Overhead() || envelope[0] != envelopeVersion {
		return nil, ErrDecryption
	}
	nonce := envelope[1 : 1+nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, envelope[1+nonceSize:], envelope[:1])
	if err != nil {
		return nil, ErrDecryption
	}

	var creds domain.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, ErrDecryption
	}
	return creds, nil
}
