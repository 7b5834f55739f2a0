package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"relaybox/models"
)

// AlgorithmHybridV1 identifies the only sealed box format this package emits:
// an ephemeral X25519 agreement expanded with HKDF-SHA256 wraps a random
// content key with ChaCha20-Poly1305, and the body is sealed with AES-256-GCM.
const AlgorithmHybridV1 = "x25519-hkdf-sha256-chacha20poly1305+aes256gcm"

const keyWrapInfo = "relaybox key wrap v1"

// ErrDecryptionFailed is returned for every sealed box that cannot be authenticated.
var ErrDecryptionFailed = models.ErrDecryptionFailed

// SealedBox is a message encrypted for exactly one recipient public key.
type SealedBox struct {
	Algorithm  string `json:"alg"`
	Ephemeral  []byte `json:"epk"`
	WrapNonce  []byte `json:"wrap_nonce"`
	WrappedKey []byte `json:"wrapped_key"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// EncryptFor seals plaintext of any length for the recipient's public key.
func EncryptFor(plaintext []byte, recipient *ecdh.PublicKey) (*SealedBox, error) {
	if recipient == nil {
		return nil, fmt.Errorf("recipient public key is required")
	}

	contentKey := make([]byte, contentKeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	defer wipe(contentKey)

	ephemeral, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("compute key agreement: %w", err)
	}
	defer wipe(shared)

	ephemeralPublic := ephemeral.PublicKey().Bytes()
	kek, err := deriveWrapKey(shared, ephemeralPublic, recipient.Bytes())
	if err != nil {
		return nil, err
	}
	defer wipe(kek)

	wrap, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, fmt.Errorf("create key wrap cipher: %w", err)
	}
	wrapNonce := make([]byte, wrap.NonceSize())
	if _, err := rand.Read(wrapNonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}

	box := &SealedBox{
		Algorithm: AlgorithmHybridV1,
		Ephemeral: ephemeralPublic,
		WrapNonce: wrapNonce,
	}
	box.WrappedKey = wrap.Seal(nil, wrapNonce, contentKey, box.associatedData())

	box.Ciphertext, box.Nonce, err = sealBody(contentKey, plaintext, box.associatedData())
	if err != nil {
		return nil, err
	}
	return box, nil
}

// DecryptWith opens a sealed box with the recipient's private key. Any
// failure is reported as ErrDecryptionFailed and no plaintext is returned.
func DecryptWith(box *SealedBox, privateKey *ecdh.PrivateKey) ([]byte, error) {
	if box == nil || privateKey == nil {
		return nil, fmt.Errorf("%w: missing box or key", ErrDecryptionFailed)
	}
	if box.Algorithm != AlgorithmHybridV1 {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrDecryptionFailed, box.Algorithm)
	}

	ephemeral, err := ParsePublicKey(box.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	shared, err := privateKey.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrDecryptionFailed, err)
	}
	defer wipe(shared)

	kek, err := deriveWrapKey(shared, box.Ephemeral, privateKey.PublicKey().Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer wipe(kek)

	wrap, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(box.WrapNonce) != wrap.NonceSize() {
		return nil, fmt.Errorf("%w: invalid wrap nonce length %d", ErrDecryptionFailed, len(box.WrapNonce))
	}
	contentKey, err := wrap.Open(nil, box.WrapNonce, box.WrappedKey, box.associatedData())
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap content key", ErrDecryptionFailed)
	}
	defer wipe(contentKey)

	plaintext, err := openBody(contentKey, box.Nonce, box.Ciphertext, box.associatedData())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// MarshalSealedBox encodes a sealed box for storage.
func MarshalSealedBox(box *SealedBox) ([]byte, error) {
	raw, err := json.Marshal(box)
	if err != nil {
		return nil, fmt.Errorf("marshal sealed box: %w", err)
	}
	return raw, nil
}

// UnmarshalSealedBox decodes stored sealed box bytes.
func UnmarshalSealedBox(raw []byte) (*SealedBox, error) {
	var box SealedBox
	if err := json.Unmarshal(raw, &box); err != nil {
		return nil, fmt.Errorf("%w: decode sealed box: %v", ErrDecryptionFailed, err)
	}
	return &box, nil
}

// HybridBox adapts the sealed box functions to raw key and blob bytes.
type HybridBox struct{}

// EncryptFor seals plaintext for a raw X25519 recipient public key and
// returns the encoded sealed box.
func (HybridBox) EncryptFor(plaintext, recipientPublicKey []byte) ([]byte, error) {
	recipient, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}
	box, err := EncryptFor(plaintext, recipient)
	if err != nil {
		return nil, err
	}
	return MarshalSealedBox(box)
}

// DecryptWith opens encoded sealed box bytes with a raw X25519 private key.
func (HybridBox) DecryptWith(sealed, privateKey []byte) ([]byte, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	box, err := UnmarshalSealedBox(sealed)
	if err != nil {
		return nil, err
	}
	return DecryptWith(box, key)
}

func (b *SealedBox) associatedData() []byte {
	aad := make([]byte, 0, len(b.Algorithm)+len(b.Ephemeral))
	aad = append(aad, b.Algorithm...)
	return append(aad, b.Ephemeral...)
}

func deriveWrapKey(shared, ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPublic)+len(recipientPublic))
	salt = append(salt, ephemeralPublic...)
	salt = append(salt, recipientPublic...)

	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(keyWrapInfo)), kek); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return kek, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
