package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	x25519PrivatePEMType = "X25519 PRIVATE KEY"
	// KeySize is the length of X25519 public and private keys.
	KeySize = 32
)

var x25519Curve = ecdh.X25519()

// GenerateKeyPair creates a new X25519 identity and returns the raw public
// and private key bytes.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	key, err := GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return key.PublicKey().Bytes(), key.Bytes(), nil
}

// GeneratePrivateKey creates a new X25519 private key.
func GeneratePrivateKey() (*ecdh.PrivateKey, error) {
	key, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey validates raw X25519 public key bytes.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("invalid X25519 public key size %d", len(raw))
	}
	key, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return key, nil
}

// ParsePrivateKey validates raw X25519 private key bytes.
func ParsePrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("invalid X25519 private key size %d", len(raw))
	}
	key, err := x25519Curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return key, nil
}

// EnsurePrivateKey loads the node identity key from disk, generating it on first run.
func EnsurePrivateKey(path string) (*ecdh.PrivateKey, error) {
	key, err := LoadPrivateKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadPrivateKey reads an X25519 private key from PEM.
func LoadPrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}

	return ParsePrivateKey(block.Bytes)
}

// SavePrivateKey writes an X25519 private key PEM file with 0600 permissions.
func SavePrivateKey(path string, key *ecdh.PrivateKey) error {
	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Bytes(),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}
	return b.String()
}
