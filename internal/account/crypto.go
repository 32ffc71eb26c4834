package account

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const tokenSalt = "codex-lb-tokens"

// Crypto encrypts tokens at rest with scrypt-derived AES-256-CBC.
// Ciphertext format is "{iv_hex}:{ciphertext_hex}".
type Crypto struct {
	key string
	mu  sync.RWMutex
	// salt → derived key cache; scrypt is too slow to run per call
	derived map[string][]byte
}

// NewCryptoFromFile reads the key material from path. Trailing whitespace is
// stripped so the file can end with a newline.
func NewCryptoFromFile(path string) (*Crypto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encryption key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return nil, errors.New("encryption key file is empty")
	}
	return NewCrypto(key), nil
}

func NewCrypto(key string) *Crypto {
	return &Crypto{key: key, derived: make(map[string][]byte)}
}

// KeyMaterial exposes the raw operator secret so other keyed primitives
// (sticky session hashing) can share it.
func (c *Crypto) KeyMaterial() string { return c.key }

// DeriveKey derives and caches an AES-256 key for the given salt.
func (c *Crypto) DeriveKey(salt string) ([]byte, error) {
	c.mu.RLock()
	if k, ok := c.derived[salt]; ok {
		c.mu.RUnlock()
		return k, nil
	}
	c.mu.RUnlock()

	k, err := scrypt.Key([]byte(c.key), []byte(salt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	c.mu.Lock()
	c.derived[salt] = k
	c.mu.Unlock()
	return k, nil
}

// EncryptToken encrypts a token for storage. Empty input stays empty so
// optional tokens round-trip without ciphertext noise.
func (c *Crypto) EncryptToken(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return c.encrypt(plaintext, tokenSalt)
}

// DecryptToken decrypts a stored token.
func (c *Crypto) DecryptToken(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	return c.decrypt(encrypted, tokenSalt)
}

func (c *Crypto) encrypt(plaintext, salt string) (string, error) {
	key, err := c.DeriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *Crypto) decrypt(encrypted, salt string) (string, error) {
	key, err := c.DeriveKey(salt)
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted format: missing ':'")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length: %d", len(iv))
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("unpad: %w", err)
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
