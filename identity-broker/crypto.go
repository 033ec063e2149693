package main

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// Envelope encryption primitives. Identity bundles are encrypted with a key
// derived from the owner's wallet signature and a per-row salt; disclosed
// attributes are re-encrypted per grant under a fresh DEK, which is wrapped
// under a KEK derived from the requestor's signature. No signature and no
// derived key is ever persisted.

const (
	// kdfIterations makes brute-forcing a signature-derived key infeasible
	// even if ciphertext and salt leak together.
	kdfIterations = 1_200_000

	keySize  = 32
	saltSize = 16
)

// deriveKey derives a 32-byte symmetric key from a secret (normally a wallet
// signature) and a salt using PBKDF2-SHA256.
func deriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, kdfIterations, keySize, sha256.New)
}

// generateSalt returns a fresh random key-derivation salt.
func generateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// generateDataKey returns a fresh random 32-byte DEK, independent of any
// signature.
func generateDataKey() ([]byte, error) {
	dek := make([]byte, keySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return dek, nil
}

// encryptWithKey encrypts plaintext with XChaCha20-Poly1305. The random
// 24-byte nonce is prepended to the ciphertext.
func encryptWithKey(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptWithKey reverses encryptWithKey. It fails if the key is wrong or
// the ciphertext was tampered with; it never returns garbage plaintext.
func decryptWithKey(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// encryptWithSignature derives a key from signature and salt and encrypts
// plaintext with it.
func encryptWithSignature(plaintext []byte, signature string, salt []byte) ([]byte, error) {
	return encryptWithKey(plaintext, deriveKey([]byte(signature), salt))
}

// decryptWithSignature reverses encryptWithSignature.
func decryptWithSignature(ciphertext []byte, signature string, salt []byte) ([]byte, error) {
	return decryptWithKey(ciphertext, deriveKey([]byte(signature), salt))
}

// wrapKey encrypts a DEK under a KEK derived from the signature and salt.
func wrapKey(dek []byte, signature string, salt []byte) ([]byte, error) {
	return encryptWithKey(dek, deriveKey([]byte(signature), salt))
}

// unwrapKey reverses wrapKey. It fails when the signature is wrong.
func unwrapKey(wrapped []byte, signature string, salt []byte) ([]byte, error) {
	return decryptWithKey(wrapped, deriveKey([]byte(signature), salt))
}

// zeroBytes overwrites sensitive key material after use.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
