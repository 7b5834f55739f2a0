package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/config"
)

// newSharedNode writes a config for peerID whose mailbox store lives in shared.
func newSharedNode(t *testing.T, peerID, shared string) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), peerID)
	require.NoError(t, config.EnsureDataDirectories(dir))
	disabled := false
	require.NoError(t, config.Save(config.ConfigPath(dir), &config.NodeConfig{
		PeerID:          peerID,
		DisplayName:     peerID,
		ListenAddress:   "127.0.0.1:0",
		DatabaseFile:    filepath.Join(shared, "relaybox.db"),
		BlobDir:         filepath.Join(shared, "blobs"),
		PresenceEnabled: &disabled,
		LogLevel:        "error",
	}))
	return dir
}

func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func publicKeyOf(t *testing.T, dataDir string) string {
	t.Helper()

	out, err := runCLI(t, dataDir, "whoami")
	require.NoError(t, err)
	for _, line := range strings.Split(out, "\n") {
		if value, ok := strings.CutPrefix(line, "Public Key:"); ok {
			return strings.TrimSpace(value)
		}
	}
	t.Fatalf("whoami printed no public key:\n%s", out)
	return ""
}

func TestOfflineMessageThroughSharedMailbox(t *testing.T) {
	t.Setenv(config.DataDirEnv, "")
	shared := t.TempDir()
	alice := newSharedNode(t, "alice", shared)
	bob := newSharedNode(t, "bob", shared)

	_, err := runCLI(t, alice, "peer", "add", "alice", publicKeyOf(t, alice))
	require.NoError(t, err)
	_, err = runCLI(t, alice, "peer", "add", "bob", publicKeyOf(t, bob), "--name", "Bob")
	require.NoError(t, err)

	out, err := runCLI(t, alice, "send", "bob", "hello", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "STORED_OFFLINE")

	out, err = runCLI(t, bob, "inbox")
	require.NoError(t, err)
	assert.Contains(t, out, "alice: hello bob")
	assert.Contains(t, out, "1 new message(s)")

	out, err = runCLI(t, bob, "inbox")
	require.NoError(t, err)
	assert.Contains(t, out, "0 new message(s)")

	out, err = runCLI(t, alice, "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 orphaned blob(s)")

	out, err = runCLI(t, alice, "peer", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Bob")
}

func TestSendToUnknownPeerFails(t *testing.T) {
	t.Setenv(config.DataDirEnv, "")
	alice := newSharedNode(t, "alice", t.TempDir())

	out, err := runCLI(t, alice, "send", "nobody", "hi")
	require.Error(t, err)
	assert.Contains(t, out, "FAILED")
}

func TestPeerAddRejectsKeyChange(t *testing.T) {
	t.Setenv(config.DataDirEnv, "")
	shared := t.TempDir()
	alice := newSharedNode(t, "alice", shared)
	bob := newSharedNode(t, "bob", shared)
	carol := newSharedNode(t, "carol", shared)

	_, err := runCLI(t, alice, "peer", "add", "bob", publicKeyOf(t, bob))
	require.NoError(t, err)

	_, err = runCLI(t, alice, "peer", "add", "bob", publicKeyOf(t, carol))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity conflict")
}
