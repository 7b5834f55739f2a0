package models

// Envelope points at a stored ciphertext blob and is filed under the
// recipient's mailbox key.
type Envelope struct {
	ContentHash string `json:"content_hash"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	Timestamp   int64  `json:"timestamp"`
}

// IndexEntry is one key/value pair returned from a mailbox listing.
type IndexEntry struct {
	Key   string
	Value []byte
}

// DeliveryFailure describes an envelope that could not be delivered and was
// left in place for an operator to inspect.
type DeliveryFailure struct {
	MessageID   string
	MailboxKey  string
	RecipientID string
	Stage       string
	ContentHash string
	Reason      string
	Timestamp   int64
}
