package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadPublicKey reads an Ed25519 public key from a PEM file, the format
// DEFIANCE_PUBLIC_KEY_PATH is expected to hold (PEM block type
// "PUBLIC KEY", PKIX-encoded, as produced by `openssl genpkey -algorithm
// ed25519`).
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from a trusted env var, not request input
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not Ed25519", path)
	}
	return key, nil
}

// VerifySignedOnion checks that sig is a valid Ed25519 signature of data
// under the given public key.
func VerifySignedOnion(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}
