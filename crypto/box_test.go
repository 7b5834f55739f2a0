package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridBoxRoundTrip(t *testing.T) {
	public, private, err := GenerateKeyPair()
	require.NoError(t, err)

	large := make([]byte, 3*1024*1024+17)
	_, err = rand.Read(large)
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty": {},
		"short": []byte("Hello"),
		"large": large,
	}

	var box HybridBox
	for name, plaintext := range cases {
		t.Run(name, func(t *testing.T) {
			sealed, err := box.EncryptFor(plaintext, public)
			require.NoError(t, err)
			assert.False(t, len(plaintext) > 0 && bytes.Contains(sealed, plaintext))

			opened, err := box.DecryptWith(sealed, private)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plaintext, opened))
		})
	}
}

func TestEncryptForIsRandomized(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	first, err := EncryptFor([]byte("same"), key.PublicKey())
	require.NoError(t, err)
	second, err := EncryptFor([]byte("same"), key.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, AlgorithmHybridV1, first.Algorithm)
	assert.NotEqual(t, first.Ephemeral, second.Ephemeral)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestDecryptWithRejectsWrongKey(t *testing.T) {
	recipient, err := GeneratePrivateKey()
	require.NoError(t, err)
	other, err := GeneratePrivateKey()
	require.NoError(t, err)

	box, err := EncryptFor([]byte("secret"), recipient.PublicKey())
	require.NoError(t, err)

	plaintext, err := DecryptWith(box, other)
	assert.Nil(t, plaintext)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestDecryptWithRejectsTampering(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	tamper := map[string]func(b *SealedBox){
		"ciphertext":  func(b *SealedBox) { b.Ciphertext[0] ^= 0x01 },
		"nonce":       func(b *SealedBox) { b.Nonce[0] ^= 0x01 },
		"wrapped key": func(b *SealedBox) { b.WrappedKey[0] ^= 0x01 },
		"wrap nonce":  func(b *SealedBox) { b.WrapNonce[0] ^= 0x01 },
		"ephemeral":   func(b *SealedBox) { b.Ephemeral[0] ^= 0x01 },
		"algorithm":   func(b *SealedBox) { b.Algorithm = "plaintext" },
		"truncated":   func(b *SealedBox) { b.Ciphertext = b.Ciphertext[:4] },
	}

	for name, mutate := range tamper {
		t.Run(name, func(t *testing.T) {
			box, err := EncryptFor([]byte("authenticated payload"), key.PublicKey())
			require.NoError(t, err)
			mutate(box)

			plaintext, err := DecryptWith(box, key)
			assert.Nil(t, plaintext)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestHybridBoxRejectsGarbage(t *testing.T) {
	_, private, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = HybridBox{}.DecryptWith([]byte("not a sealed box"), private)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
