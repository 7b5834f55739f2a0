package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/models"
)

func TestSeenIDsClaimCommitAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := nowUnixMilli()
	claim, err := store.ClaimSeenID(ctx, "msg-old", now-10_000)
	require.NoError(t, err)
	require.Equal(t, models.ClaimWon, claim)

	claim, err = store.ClaimSeenID(ctx, "msg-old", now)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimInFlight, claim)

	require.NoError(t, store.CommitSeenID(ctx, "msg-old"))
	claim, err = store.ClaimSeenID(ctx, "msg-old", now)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimDelivered, claim)

	_, err = store.ClaimSeenID(ctx, "msg-new", now)
	require.NoError(t, err)
	require.NoError(t, store.CommitSeenID(ctx, "msg-new"))

	pruned, err := store.PruneSeenIDs(ctx, now-5_000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	seen, err := store.HasSeenID(ctx, "msg-old")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = store.HasSeenID(ctx, "msg-new")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestForgetReleasesOnlyUncommittedClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ClaimSeenID(ctx, "pending", 0)
	require.NoError(t, err)
	require.NoError(t, store.ForgetSeenID(ctx, "pending"))
	claim, err := store.ClaimSeenID(ctx, "pending", 0)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimWon, claim)

	require.NoError(t, store.CommitSeenID(ctx, "pending"))
	require.NoError(t, store.ForgetSeenID(ctx, "pending"))
	seen, err := store.HasSeenID(ctx, "pending")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestAbandonedClaimCanBeTakenOver(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := nowUnixMilli()
	stale := now - SeenClaimLease.Milliseconds() - 1
	claim, err := store.ClaimSeenID(ctx, "crashed", stale)
	require.NoError(t, err)
	require.Equal(t, models.ClaimWon, claim)

	claim, err = store.ClaimSeenID(ctx, "crashed", now)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimWon, claim)

	claim, err = store.ClaimSeenID(ctx, "crashed", now)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimInFlight, claim)
}

func TestPruneKeepsIDsWithLiveEnvelope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := nowUnixMilli() - 10_000
	for _, id := range []string{"alice:1:1:aaaa", "alice:2:2:bbbb"} {
		_, err := store.ClaimSeenID(ctx, id, old)
		require.NoError(t, err)
		require.NoError(t, store.CommitSeenID(ctx, id))
	}
	require.NoError(t, store.Index().Put(ctx, "inbox/bob/alice:1:1:aaaa", []byte("{}")))

	pruned, err := store.PruneSeenIDs(ctx, nowUnixMilli())
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	seen, err := store.HasSeenID(ctx, "alice:1:1:aaaa")
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = store.HasSeenID(ctx, "alice:2:2:bbbb")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	outcomes := make(map[models.SeenClaim]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := store.ClaimSeenID(ctx, "contended", 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[claim]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[models.ClaimWon])
	assert.Equal(t, 7, outcomes[models.ClaimInFlight])
}
