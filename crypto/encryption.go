package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const contentKeySize = 32

// sealBody encrypts a message body with AES-256-GCM under a one-time content
// key. aad binds the body to the key wrap that travels with it.
func sealBody(contentKey, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newBodyAEAD(contentKey)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate body nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, aad), nonce, nil
}

// openBody reverses sealBody. It never returns partially decrypted data.
func openBody(contentKey, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newBodyAEAD(contentKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid body nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("body ciphertext shorter than tag")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("open body: %w", err)
	}
	return plaintext, nil
}

func newBodyAEAD(contentKey []byte) (cipher.AEAD, error) {
	if len(contentKey) != contentKeySize {
		return nil, fmt.Errorf("invalid content key length: got %d want %d", len(contentKey), contentKeySize)
	}

	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
