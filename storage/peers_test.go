package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/models"
)

func TestPeerCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lastSeen := nowUnixMilli()
	address := "192.168.1.10:9999"

	peer := Peer{
		PeerID:            "peer-1",
		DisplayName:       "Alice",
		PublicKey:         []byte("alice-public-key"),
		Status:            "offline",
		AddedTimestamp:    nowUnixMilli(),
		LastSeenTimestamp: &lastSeen,
		Address:           &address,
	}
	require.NoError(t, store.AddPeer(ctx, peer))

	got, err := store.GetPeer(ctx, peer.PeerID)
	require.NoError(t, err)
	assert.Equal(t, peer.DisplayName, got.DisplayName)
	assert.Equal(t, peer.PublicKey, got.PublicKey)
	require.NotNil(t, got.Address)
	assert.Equal(t, address, *got.Address)

	assert.ErrorIs(t, store.AddPeer(ctx, peer), ErrAlreadyExists)

	require.NoError(t, store.AddPeer(ctx, Peer{PeerID: "peer-2", DisplayName: "Bob"}))
	list, err := store.ListPeers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	newSeen := nowUnixMilli() + 1
	require.NoError(t, store.UpdatePeerStatus(ctx, peer.PeerID, "online", newSeen))
	updated, err := store.GetPeer(ctx, peer.PeerID)
	require.NoError(t, err)
	assert.Equal(t, "online", updated.Status)
	require.NotNil(t, updated.LastSeenTimestamp)
	assert.Equal(t, newSeen, *updated.LastSeenTimestamp)

	assert.Error(t, store.UpdatePeerStatus(ctx, peer.PeerID, "blocked", 0))

	_, err = store.GetPeer(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSetPeerPublicKeyOnlyFillsEmptyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddPeer(ctx, Peer{PeerID: "carol", DisplayName: "Carol"}))
	require.NoError(t, store.SetPeerPublicKey(ctx, "carol", []byte("first-key")))
	assert.ErrorIs(t, store.SetPeerPublicKey(ctx, "carol", []byte("second-key")), ErrNotFound, "pinned key is left alone")

	got, err := store.GetPeer(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "first-key", string(got.PublicKey))
}
