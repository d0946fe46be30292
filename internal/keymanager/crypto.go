package keymanager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/docvault/docvault/internal/apperr"
)

const keySize = 32

// DeriveWrappingKey derives the AES-256 key-wrapping key from the
// configured master secret. Derivation keeps the raw master secret out of
// every cipher operation.
func DeriveWrappingKey(master []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("docvault/key-wrap/v1"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM. The nonce is prepended to the
// returned ciphertext. The additional data binds the ciphertext to its
// tenant: decrypting under any other tenant's identity fails
// authentication instead of yielding garbage.
func Seal(key, plaintext, additional []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts a Seal-produced ciphertext. Any key or AAD mismatch, or
// tampering, returns a DecryptionError; it is never retried with another
// key by callers.
func Open(key, sealed, additional []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, apperr.Decryption("ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecryption, "decryption failed", err)
	}
	return plaintext, nil
}

// Fingerprint identifies key material without exposing it.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

func newKeyMaterial() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return aead, nil
}
