// Package secrets seals credentials with a user password before they are
// written to the config file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// Prefix marks a sealed value in the config file.
	Prefix = "enc:"

	version  byte = 1
	saltSize      = 16
	keySize       = 32

	// verifierPlaintext is sealed with the password so that a wrong password
	// is detected before any credential is touched.
	verifierPlaintext = "robust"
)

var (
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidPayload  = errors.New("invalid sealed value")
)

var encoding = base64.RawURLEncoding

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Seal encrypts plaintext with AES-256-GCM under a scrypt-derived key. The
// result is Prefix followed by version, salt, nonce and ciphertext. Empty
// input stays empty.
func Seal(plaintext, password string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	buf := make([]byte, 0, 1+saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	buf = append(buf, version)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = gcm.Seal(buf, nonce, []byte(plaintext), []byte{version})
	return Prefix + encoding.EncodeToString(buf), nil
}

// Open reverses Seal. Values without Prefix are returned unchanged so that
// hand-edited plaintext config keeps working.
func Open(value, password string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := encoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(raw) < 1+saltSize {
		return "", fmt.Errorf("%w: too short", ErrInvalidPayload)
	}
	if raw[0] != version {
		return "", fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, raw[0])
	}

	salt := raw[1 : 1+saltSize]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	rest := raw[1+saltSize:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrInvalidPayload)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte{version})
	if err != nil {
		return "", ErrInvalidPassword
	}
	return string(plaintext), nil
}

// NewVerifier seals a fixed marker with password.
func NewVerifier(password string) (string, error) {
	return Seal(verifierPlaintext, password)
}

// Verify checks password against a verifier from NewVerifier. An empty
// verifier accepts any password.
func Verify(verifier, password string) error {
	if verifier == "" {
		return nil
	}
	plain, err := Open(verifier, password)
	if err != nil {
		return err
	}
	if plain != verifierPlaintext {
		return ErrInvalidPassword
	}
	return nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
