package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsurePrivateKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x25519_private.pem")

	first, err := EnsurePrivateKey(path)
	require.NoError(t, err)
	second, err := EnsurePrivateKey(path)
	require.NoError(t, err)

	assert.Equal(t, first.Bytes(), second.Bytes(), "stable private key across runs")
}

func TestGenerateKeyPairSizes(t *testing.T) {
	public, private, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, public, KeySize)
	assert.Len(t, private, KeySize)

	parsed, err := ParsePrivateKey(private)
	require.NoError(t, err)
	assert.Equal(t, public, parsed.PublicKey().Bytes())
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "DEAD BEEF CAFE 01", FormatFingerprint("deadbeefcafe01"))
	assert.Len(t, KeyFingerprint([]byte("key")), 32)
}
