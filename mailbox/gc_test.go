package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/blobstore"
	"relaybox/crypto"
	"relaybox/models"
)

func TestCollectOrphansRemovesOnlyUnreferencedBlobs(t *testing.T) {
	blobRoot := filepath.Join(t.TempDir(), "blobs")
	blobs, err := blobstore.Open(blobRoot, nil)
	require.NoError(t, err)

	index := newFakeIndex()
	directory := newFakeDirectory()
	public, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	directory.add(models.Peer{ID: "bob", PublicKey: public, Status: models.PeerOffline})

	router, err := NewRouter(Options{
		Directory: directory,
		Transport: newFakeTransport(),
		Content:   blobs,
		Index:     index,
		Crypto:    crypto.HybridBox{},
	})
	require.NoError(t, err)
	ctx := context.Background()

	kept, err := router.SendMessage(ctx, "alice", "bob", []byte("still queued"))
	require.NoError(t, err)

	index.putErr = errBoom
	_, err = router.SendMessage(ctx, "alice", "bob", []byte("envelope lost"))
	require.ErrorIs(t, err, ErrIndexWriteFailure)
	index.putErr = nil

	var hashes []string
	require.NoError(t, blobs.Walk(ctx, func(info blobstore.BlobInfo) error {
		hashes = append(hashes, info.Hash)
		return nil
	}))
	require.Len(t, hashes, 2)

	removed, err := CollectOrphans(ctx, index, blobs, time.Hour, nil)
	require.NoError(t, err)
	assert.Empty(t, removed, "blobs inside the grace period are kept")

	old := time.Now().Add(-2 * time.Hour)
	for _, hash := range hashes {
		require.NoError(t, os.Chtimes(filepath.Join(blobRoot, hash[:2], hash), old, old))
	}

	removed, err = CollectOrphans(ctx, index, blobs, time.Hour, nil)
	require.NoError(t, err)
	require.Len(t, removed, 1)

	raw, err := index.Get(ctx, MailboxKey("bob", kept.ID))
	require.NoError(t, err)
	var envelope models.Envelope
	envelope, err = decodeEnvelope(models.IndexEntry{Key: MailboxKey("bob", kept.ID), Value: raw})
	require.NoError(t, err)
	assert.NotEqual(t, envelope.ContentHash, removed[0])

	has, err := blobs.Has(ctx, envelope.ContentHash)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCollectOrphansRefusesUnreadableEnvelope(t *testing.T) {
	blobs, err := blobstore.Open(filepath.Join(t.TempDir(), "blobs"), nil)
	require.NoError(t, err)
	index := newFakeIndex()
	require.NoError(t, index.Put(context.Background(), MailboxKey("bob", "x"), []byte("not json")))

	_, err = CollectOrphans(context.Background(), index, blobs, time.Minute, nil)
	require.Error(t, err)
}
