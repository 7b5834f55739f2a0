package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/models"
)

func TestPollerDrainsMailboxUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.addPeer(t, "bob", models.PeerOffline)

	_, err := h.router.SendMessage(context.Background(), "alice", "bob", []byte("poll me"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewPoller(h.router, "bob", 10*time.Millisecond).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(h.app.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.router.SendMessage(context.Background(), "alice", "bob", []byte("and me"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.app.messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestPollOnceReturnsDelivered(t *testing.T) {
	h := newHarness(t)
	h.addPeer(t, "bob", models.PeerOffline)
	_, err := h.router.SendMessage(context.Background(), "alice", "bob", []byte("once"))
	require.NoError(t, err)

	delivered := NewPoller(h.router, "bob", time.Minute).PollOnce(context.Background())
	require.Len(t, delivered, 1)
	assert.Equal(t, "once", string(delivered[0].Plaintext))
}
