package models

// Message is one routed chat message. Plaintext is held in memory only.
type Message struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"sender_id"`
	RecipientID string        `json:"recipient_id"`
	Timestamp   int64         `json:"timestamp"`
	Plaintext   []byte        `json:"-"`
	State       DeliveryState `json:"state"`
}

// SeenClaim is the outcome of claiming a message id for delivery.
type SeenClaim int

const (
	// ClaimWon hands delivery of the id to the caller.
	ClaimWon SeenClaim = iota
	// ClaimInFlight means another delivery holds the id and has not finished.
	ClaimInFlight
	// ClaimDelivered means the id already reached the application.
	ClaimDelivered
)
