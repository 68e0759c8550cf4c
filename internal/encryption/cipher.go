package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"mpesa-service/internal/apperr"
)

// Wire format: hex(iv) ":" hex(authTag) ":" hex(ciphertext).
// AES-256-GCM, 12-byte IV, 16-byte tag. Every writer and reader of stored
// credentials must agree on this layout.
const (
	KeySize   = 32
	IVSize    = 12
	TagSize   = 16
	separator = ":"

	// MinPlaintextLength is the shortest value ValidateDecryption accepts.
	MinPlaintextLength = 4
)

// Cipher encrypts and decrypts short secrets with a single symmetric key.
type Cipher struct {
	aead   cipher.AEAD
	random io.Reader
}

// NewCipher builds a Cipher. The key must be exactly KeySize bytes.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, apperr.Crypto("encryption.NewCipher",
			fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Crypto("encryption.NewCipher", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, apperr.Crypto("encryption.NewCipher", err)
	}

	return &Cipher{aead: aead, random: rand.Reader}, nil
}

// NewCipherFromString decodes a hex or base64 master key.
func NewCipherFromString(encoded string) (*Cipher, error) {
	key, err := DecodeKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// DecodeKey accepts a 64-char hex string or standard base64.
func DecodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, apperr.Crypto("encryption.DecodeKey", errors.New("master key is not configured"))
	}
	if len(encoded) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Crypto("encryption.DecodeKey", fmt.Errorf("master key is neither hex nor base64: %w", err))
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return "", apperr.Crypto("encryption.Encrypt", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(body),
	}, separator), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(value string) (string, error) {
	parts := strings.Split(value, separator)
	if len(parts) != 3 {
		return "", apperr.Crypto("encryption.Decrypt", errors.New("malformed ciphertext"))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != IVSize {
		return "", apperr.Crypto("encryption.Decrypt", errors.New("invalid iv"))
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagSize {
		return "", apperr.Crypto("encryption.Decrypt", errors.New("invalid auth tag"))
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", apperr.Crypto("encryption.Decrypt", errors.New("invalid ciphertext"))
	}

	plaintext, err := c.aead.Open(nil, iv, append(body, tag...), nil)
	if err != nil {
		return "", apperr.Crypto("encryption.Decrypt", err)
	}
	return string(plaintext), nil
}

// DecryptValidated decrypts and rejects implausible plaintexts.
func (c *Cipher) DecryptValidated(value string) (string, error) {
	plaintext, err := c.Decrypt(value)
	if err != nil {
		return "", err
	}
	if !ValidateDecryption(plaintext) {
		return "", apperr.Crypto("encryption.DecryptValidated", errors.New("decrypted value failed plausibility check"))
	}
	return plaintext, nil
}

// ValidateDecryption catches silent corruption: the value must be valid
// UTF-8, at least MinPlaintextLength runes, printable, and free of NUL.
func ValidateDecryption(value string) bool {
	if utf8.RuneCountInString(value) < MinPlaintextLength || !utf8.ValidString(value) {
		return false
	}
	for _, r := range value {
		if r == 0 || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			return false
		}
	}
	return true
}
