package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"relaybox/models"
)

const inboxRoot = "inbox/"

// DirectPayload is what the router hands the transport for a live peer.
type DirectPayload struct {
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Timestamp   int64  `json:"timestamp"`
	Body        []byte `json:"body"`
}

// EncodeDirectPayload serializes msg for direct delivery.
func EncodeDirectPayload(msg models.Message) ([]byte, error) {
	raw, err := json.Marshal(DirectPayload{
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Timestamp:   msg.Timestamp,
		Body:        msg.Plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal direct payload: %w", err)
	}
	return raw, nil
}

// DecodeDirectPayload parses a payload produced by EncodeDirectPayload.
func DecodeDirectPayload(raw []byte) (models.Message, error) {
	var payload DirectPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.Message{}, fmt.Errorf("decode direct payload: %w", err)
	}
	if payload.MessageID == "" || payload.SenderID == "" || payload.RecipientID == "" {
		return models.Message{}, errors.New("direct payload is missing message, sender or recipient id")
	}
	body := payload.Body
	if body == nil {
		body = []byte{}
	}
	return models.Message{
		ID:          payload.MessageID,
		SenderID:    payload.SenderID,
		RecipientID: payload.RecipientID,
		Timestamp:   payload.Timestamp,
		Plaintext:   body,
		State:       models.StateDelivered,
	}, nil
}

// MailboxPrefix returns the index prefix holding recipientID's envelopes.
func MailboxPrefix(recipientID string) string {
	return inboxRoot + recipientID + "/"
}

// MailboxKey returns the index key of one envelope.
func MailboxKey(recipientID, messageID string) string {
	return MailboxPrefix(recipientID) + messageID
}

func encodeEnvelope(envelope models.Envelope) ([]byte, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// decodeEnvelope parses an index entry and checks it belongs at its key.
func decodeEnvelope(entry models.IndexEntry) (models.Envelope, error) {
	var envelope models.Envelope
	if err := json.Unmarshal(entry.Value, &envelope); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrCorruptedContent, err)
	}
	if envelope.ContentHash == "" || envelope.MessageID == "" {
		return envelope, fmt.Errorf("%w: envelope missing content hash or message id", ErrCorruptedContent)
	}
	if entry.Key != MailboxKey(envelope.RecipientID, envelope.MessageID) {
		return envelope, fmt.Errorf("%w: envelope for %s filed under %s", ErrCorruptedContent,
			MailboxKey(envelope.RecipientID, envelope.MessageID), entry.Key)
	}
	return envelope, nil
}

// messageIDFromKey recovers the message id from a mailbox key.
func messageIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, inboxRoot)
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[i+1:]
	}
	return ""
}
