package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/models"
)

func TestDeliveryErrorsRecordAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := nowUnixMilli()
	require.NoError(t, store.RecordDeliveryFailure(ctx, models.DeliveryFailure{
		MessageID:   "alice:1",
		MailboxKey:  "inbox/bob/alice:1",
		RecipientID: "bob",
		Stage:       "fetch",
		ContentHash: "abc",
		Reason:      "content corrupted",
		Timestamp:   now - 10,
	}))
	require.NoError(t, store.LogDeliveryError(ctx, DeliveryError{
		MessageID:   "carol:1",
		MailboxKey:  "inbox/dave/carol:1",
		RecipientID: "dave",
		Stage:       "decrypt",
		Reason:      "decryption failed",
		Timestamp:   now,
	}))

	all, err := store.GetDeliveryErrors(ctx, DeliveryErrorFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "carol:1", all[0].MessageID, "newest first")

	forBob, err := store.GetDeliveryErrors(ctx, DeliveryErrorFilter{RecipientID: "bob"})
	require.NoError(t, err)
	require.Len(t, forBob, 1)
	assert.Equal(t, "fetch", forBob[0].Stage)
	assert.Equal(t, "abc", forBob[0].ContentHash)

	decrypt, err := store.GetDeliveryErrors(ctx, DeliveryErrorFilter{Stage: "decrypt"})
	require.NoError(t, err)
	require.Len(t, decrypt, 1)
	assert.Equal(t, "dave", decrypt[0].RecipientID)

	assert.Error(t, store.LogDeliveryError(ctx, DeliveryError{Stage: "fetch"}), "missing mailbox key")
}

func TestDeliveryErrorRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetDeliveryErrorRetention(time.Hour)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, store.LogDeliveryError(ctx, DeliveryError{
		MailboxKey: "inbox/bob/old",
		Stage:      "fetch",
		Timestamp:  old,
	}))

	records, err := store.GetDeliveryErrors(ctx, DeliveryErrorFilter{})
	require.NoError(t, err)
	assert.Empty(t, records, "row older than retention is pruned on insert")

	require.NoError(t, store.LogDeliveryError(ctx, DeliveryError{
		MailboxKey: "inbox/bob/fresh",
		Stage:      "fetch",
	}))
	records, err = store.GetDeliveryErrors(ctx, DeliveryErrorFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "unknown", records[0].Reason)
}
