package mailbox

import (
	"context"
	"fmt"

	"relaybox/models"
	"relaybox/storage"
)

// Channel is an open direct connection to one peer. A nil error from Send
// means the peer acknowledged the payload.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Transport dials peers that are currently reachable.
type Transport interface {
	Dial(ctx context.Context, peerID string) (Channel, error)
}

// ContentStore keeps immutable blobs addressed by the hash of their bytes.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// DeliveryIndex is the hierarchical key-value store holding mailboxes.
type DeliveryIndex interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]models.IndexEntry, error)
	Delete(ctx context.Context, key string) error
}

// PeerDirectory resolves liveness and public keys of known peers.
type PeerDirectory interface {
	GetPeer(ctx context.Context, peerID string) (models.Peer, error)
	GetPublicKey(ctx context.Context, peerID string) ([]byte, error)
}

// CryptoBox seals messages for one recipient key.
type CryptoBox interface {
	EncryptFor(plaintext, recipientPublicKey []byte) ([]byte, error)
	DecryptWith(sealed, privateKey []byte) ([]byte, error)
}

// KeySource returns the private key of a local identity.
type KeySource interface {
	PrivateKey(peerID string) ([]byte, error)
}

// StaticKeys is a KeySource over a fixed set of local identities.
type StaticKeys map[string][]byte

// PrivateKey implements KeySource.
func (k StaticKeys) PrivateKey(peerID string) ([]byte, error) {
	key, ok := k[peerID]
	if !ok || len(key) == 0 {
		return nil, fmt.Errorf("no private key for local identity %q", peerID)
	}
	return key, nil
}

// Deliverer hands a received message to the application layer.
type Deliverer interface {
	Deliver(ctx context.Context, msg models.Message) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, msg models.Message) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, msg models.Message) error {
	return f(ctx, msg)
}

// FailureRecorder keeps envelopes that could not be delivered visible to an
// operator.
type FailureRecorder interface {
	RecordDeliveryFailure(ctx context.Context, failure models.DeliveryFailure) error
}

// StateSink persists lifecycle transitions.
type StateSink interface {
	SaveMessageState(ctx context.Context, state storage.MessageState) error
}

// SeenIDs claims message ids so each is handed to the application once. A
// claim stays in flight until it is committed or forgotten.
type SeenIDs interface {
	ClaimSeenID(ctx context.Context, messageID string, claimedAt int64) (models.SeenClaim, error)
	CommitSeenID(ctx context.Context, messageID string) error
	ForgetSeenID(ctx context.Context, messageID string) error
}
