package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybox/models"
)

func TestDirectPayloadRoundTrip(t *testing.T) {
	raw, err := EncodeDirectPayload(models.Message{
		ID:          "alice:1:2:deadbeef",
		SenderID:    "alice",
		RecipientID: "carol",
		Timestamp:   42,
		Plaintext:   []byte("Hi"),
	})
	require.NoError(t, err)

	msg, err := DecodeDirectPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice:1:2:deadbeef", msg.ID)
	assert.Equal(t, "carol", msg.RecipientID)
	assert.Equal(t, int64(42), msg.Timestamp)
	assert.Equal(t, []byte("Hi"), msg.Plaintext)
	assert.Equal(t, models.StateDelivered, msg.State)
}

func TestDecodeDirectPayloadRejectsIncompletePayload(t *testing.T) {
	_, err := DecodeDirectPayload([]byte(`{"message_id":"m1"}`))
	assert.Error(t, err)
	_, err = DecodeDirectPayload([]byte(`not json`))
	assert.Error(t, err)
}

func TestMailboxKeyLayout(t *testing.T) {
	assert.Equal(t, "inbox/bob/", MailboxPrefix("bob"))
	assert.Equal(t, "inbox/bob/alice:1:2:deadbeef", MailboxKey("bob", "alice:1:2:deadbeef"))
	assert.Equal(t, "alice:1:2:deadbeef", messageIDFromKey("inbox/bob/alice:1:2:deadbeef"))
}
