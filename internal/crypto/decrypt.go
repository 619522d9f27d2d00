// Package crypto gives the rendezvous protocol's external cryptographic
// collaborators — password-based onion decrypt, proof-of-work search, and
// signature verification — concrete implementations.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters. The derived key secures session establishment
// (a per-dance password drawn from a constrained alphabet, itself gated by
// a proof-of-work search), not a long-lived user credential, so the cost
// is kept low enough to stay under the protocol's own POW latency budget.
const (
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1

	aesKeyLen = 32 // AES-256
	saltLen   = 16
	nonceLen  = 12 // AES-GCM standard nonce size
)

// PasswordDecrypt derives a 32-byte AES-256 key from password via scrypt
// and decrypts ciphertext with AES-256-GCM. ciphertext must be laid out as
// salt || nonce || sealed-box, matching PasswordEncrypt's output.
func PasswordDecrypt(password string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < saltLen+nonceLen {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	salt := ciphertext[:saltLen]
	nonce := ciphertext[saltLen : saltLen+nonceLen]
	box := ciphertext[saltLen+nonceLen:]

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, aesKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// PasswordEncrypt is the inverse of PasswordDecrypt. Production code never
// calls this (onions arrive already encrypted from the client); it exists
// so tests can construct round-trip fixtures without hand-rolling the wire
// format.
func PasswordEncrypt(password string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, aesKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	box := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, saltLen+nonceLen+len(box))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, box...)
	return out, nil
}
