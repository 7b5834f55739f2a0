package mailbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/models"
	"relaybox/storage"
)

func TestDedupDelivererOverStorage(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	app := &inbox{}
	dedup := &DedupDeliverer{Seen: store, Next: app}
	ctx := context.Background()
	msg := models.Message{ID: "alice:1:1:abcdef01", SenderID: "alice", RecipientID: "bob"}

	require.NoError(t, dedup.Deliver(ctx, msg))
	assert.ErrorIs(t, dedup.Deliver(ctx, msg), ErrAlreadyDelivered)
	assert.Len(t, app.messages(), 1)
}

func TestDedupDelivererReleasesClaimOnFailure(t *testing.T) {
	app := &inbox{failNext: errBoom}
	dedup := &DedupDeliverer{Seen: newFakeSeen(), Next: app}
	ctx := context.Background()
	msg := models.Message{ID: "alice:2:2:abcdef02"}

	require.ErrorIs(t, dedup.Deliver(ctx, msg), errBoom)
	require.NoError(t, dedup.Deliver(ctx, msg))
	assert.Len(t, app.messages(), 1)
}

func TestDedupDelivererReportsInFlightClaim(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	msg := models.Message{ID: "alice:3:3:abcdef03"}
	claim, err := store.ClaimSeenID(ctx, msg.ID, 0)
	require.NoError(t, err)
	require.Equal(t, models.ClaimWon, claim)

	app := &inbox{}
	dedup := &DedupDeliverer{Seen: store, Next: app}
	assert.ErrorIs(t, dedup.Deliver(ctx, msg), ErrDeliveryInFlight)
	assert.Empty(t, app.messages())

	require.NoError(t, store.ForgetSeenID(ctx, msg.ID))
	require.NoError(t, dedup.Deliver(ctx, msg))
	assert.Len(t, app.messages(), 1)
}
