package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pilab-dev/shadow-link/domain"
	"golang.org/x/crypto/chacha20poly1305"
)

// TokenCipher seals token material with XChaCha20-Poly1305 under a versioned
// keyring. New ciphertext always uses the newest version; older versions stay
// decryptable until retired.
//
// Ciphertext format: "v<version>.<base64url(nonce || sealed)>". The version
// prefix is bound as additional data so it cannot be swapped.
type TokenCipher struct {
	mu      sync.RWMutex
	aeads   map[int]cipher.AEAD
	current int
}

// NewTokenCipher builds a cipher from externally supplied keys.
func NewTokenCipher(keys []Key) (*TokenCipher, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("token cipher requires at least one key")
	}

	c := &TokenCipher{aeads: make(map[int]cipher.AEAD, len(keys))}
	for _, k := range keys {
		if _, dup := c.aeads[k.Version]; dup {
			return nil, fmt.Errorf("duplicate key version %d", k.Version)
		}
		aead, err := chacha20poly1305.NewX(k.Material)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", k.Version, err)
		}
		c.aeads[k.Version] = aead
		if k.Version > c.current {
			c.current = k.Version
		}
	}
	return c, nil
}

// CurrentVersion returns the key version used for new ciphertext.
func (c *TokenCipher) CurrentVersion() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// VersionLabel is the string stored as TokenRecord.CipherKeyVersion.
func VersionLabel(version int) string {
	return strconv.Itoa(version)
}

// Encrypt seals plaintext with the current key version.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	return c.EncryptWithVersion(plaintext, c.CurrentVersion())
}

// EncryptWithVersion seals plaintext with a specific, still active key version.
func (c *TokenCipher) EncryptWithVersion(plaintext string, version int) (string, error) {
	c.mu.RLock()
	aead, ok := c.aeads[version]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown key version %d", version)
	}

	prefix := "v" + strconv.Itoa(version)
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(prefix))
	return prefix + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt. Every failure, including an
// unknown or retired version, is reported as domain.ErrDecryptionFailed.
func (c *TokenCipher) Decrypt(ciphertext string) (string, error) {
	version, payload, err := splitCiphertext(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}

	c.mu.RLock()
	aead, ok := c.aeads[version]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: key version %d is not active", domain.ErrDecryptionFailed, version)
	}

	if len(payload) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryptionFailed)
	}

	nonce, sealed := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte("v"+strconv.Itoa(version)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// Retire drops a key version. Ciphertext under it can no longer be opened.
// The current version cannot be retired.
func (c *TokenCipher) Retire(version int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if version == c.current {
		return fmt.Errorf("cannot retire current key version %d", version)
	}
	if _, ok := c.aeads[version]; !ok {
		return fmt.Errorf("unknown key version %d", version)
	}
	delete(c.aeads, version)
	return nil
}

// KeyVersionOf returns the version embedded in a ciphertext.
func KeyVersionOf(ciphertext string) (int, error) {
	version, _, err := splitCiphertext(ciphertext)
	return version, err
}

func splitCiphertext(ciphertext string) (int, []byte, error) {
	head, body, ok := strings.Cut(ciphertext, ".")
	if !ok || !strings.HasPrefix(head, "v") {
		return 0, nil, fmt.Errorf("missing version prefix")
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil || version <= 0 {
		return 0, nil, fmt.Errorf("invalid version prefix %q", head)
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return 0, nil, fmt.Errorf("decode payload: %w", err)
	}
	return version, payload, nil
}
