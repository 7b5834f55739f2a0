package mailbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"relaybox/models"
)

type fakeDirectory struct {
	mu    sync.RWMutex
	peers map[string]models.Peer
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{peers: make(map[string]models.Peer)}
}

func (d *fakeDirectory) add(peer models.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[peer.ID] = peer
}

func (d *fakeDirectory) setStatus(peerID string, status models.PeerStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer := d.peers[peerID]
	peer.Status = status
	d.peers[peerID] = peer
}

func (d *fakeDirectory) GetPeer(_ context.Context, peerID string) (models.Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.peers[peerID]
	if !ok {
		return models.Peer{}, fmt.Errorf("peer %q: %w", peerID, models.ErrNotFound)
	}
	return peer, nil
}

func (d *fakeDirectory) GetPublicKey(ctx context.Context, peerID string) ([]byte, error) {
	peer, err := d.GetPeer(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if len(peer.PublicKey) == 0 {
		return nil, fmt.Errorf("peer %q has no key: %w", peerID, models.ErrNotFound)
	}
	return peer.PublicKey, nil
}

type fakeTransport struct {
	mu       sync.Mutex
	dialErr  error
	sendErr  error
	sent     map[string][][]byte
	dialed   []string
	closures int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][][]byte)}
}

func (t *fakeTransport) Dial(_ context.Context, peerID string) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialed = append(t.dialed, peerID)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	return &fakeChannel{transport: t, peerID: peerID}, nil
}

func (t *fakeTransport) payloads(peerID string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[peerID]
}

type fakeChannel struct {
	transport *fakeTransport
	peerID    string
}

func (c *fakeChannel) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	if c.transport.sendErr != nil {
		return c.transport.sendErr
	}
	c.transport.sent[c.peerID] = append(c.transport.sent[c.peerID], bytes.Clone(payload))
	return nil
}

func (c *fakeChannel) Close() error {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	c.transport.closures++
	return nil
}

type fakeContent struct {
	mu    sync.Mutex
	blobs map[string][]byte
	puts  int
}

func newFakeContent() *fakeContent {
	return &fakeContent{blobs: make(map[string][]byte)}
}

func (c *fakeContent) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if _, ok := c.blobs[hash]; !ok {
		c.blobs[hash] = bytes.Clone(data)
	}
	return hash, nil
}

func (c *fakeContent) Get(_ context.Context, hash string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, models.ErrNotFound)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, fmt.Errorf("blob %s: %w", hash, models.ErrCorruptedContent)
	}
	return bytes.Clone(data), nil
}

// corrupt flips a byte of the stored blob without changing its address.
func (c *fakeContent) corrupt(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[hash][0] ^= 0xff
}

func (c *fakeContent) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blobs)
}

type fakeIndex struct {
	mu        sync.Mutex
	entries   map[string][]byte
	putErr    error
	deleteErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string][]byte)}
}

func (i *fakeIndex) Put(_ context.Context, key string, value []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.putErr != nil {
		return i.putErr
	}
	i.entries[key] = bytes.Clone(value)
	return nil
}

func (i *fakeIndex) Get(_ context.Context, key string) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	value, ok := i.entries[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, models.ErrNotFound)
	}
	return bytes.Clone(value), nil
}

func (i *fakeIndex) List(_ context.Context, prefix string) ([]models.IndexEntry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	entries := make([]models.IndexEntry, 0)
	for key, value := range i.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, models.IndexEntry{Key: key, Value: bytes.Clone(value)})
		}
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Key < entries[b].Key })
	return entries, nil
}

func (i *fakeIndex) Delete(_ context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.deleteErr != nil {
		return i.deleteErr
	}
	if _, ok := i.entries[key]; !ok {
		return fmt.Errorf("key %s: %w", key, models.ErrNotFound)
	}
	delete(i.entries, key)
	return nil
}

func (i *fakeIndex) keys(prefix string) []string {
	entries, _ := i.List(context.Background(), prefix)
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key)
	}
	return keys
}

type fakeSeen struct {
	mu        sync.Mutex
	claimed   map[string]int64
	delivered map[string]bool
}

func newFakeSeen() *fakeSeen {
	return &fakeSeen{claimed: make(map[string]int64), delivered: make(map[string]bool)}
}

func (s *fakeSeen) ClaimSeenID(_ context.Context, messageID string, claimedAt int64) (models.SeenClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered[messageID] {
		return models.ClaimDelivered, nil
	}
	if _, ok := s.claimed[messageID]; ok {
		return models.ClaimInFlight, nil
	}
	s.claimed[messageID] = claimedAt
	return models.ClaimWon, nil
}

func (s *fakeSeen) CommitSeenID(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, messageID)
	s.delivered[messageID] = true
	return nil
}

func (s *fakeSeen) ForgetSeenID(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, messageID)
	return nil
}

// gatedInbox holds the first delivery until the test releases it with the
// error that delivery should return. Later deliveries go straight to next.
type gatedInbox struct {
	entered chan struct{}
	release chan error
	next    *inbox
	once    sync.Once
}

func newGatedInbox(next *inbox) *gatedInbox {
	return &gatedInbox{entered: make(chan struct{}), release: make(chan error), next: next}
}

func (g *gatedInbox) Deliver(ctx context.Context, msg models.Message) error {
	gated := false
	g.once.Do(func() { gated = true })
	if !gated {
		return g.next.Deliver(ctx, msg)
	}
	close(g.entered)
	if err := <-g.release; err != nil {
		return err
	}
	return g.next.Deliver(ctx, msg)
}

type fakeFailures struct {
	mu       sync.Mutex
	recorded []models.DeliveryFailure
}

func (f *fakeFailures) RecordDeliveryFailure(_ context.Context, failure models.DeliveryFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, failure)
	return nil
}

func (f *fakeFailures) all() []models.DeliveryFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DeliveryFailure(nil), f.recorded...)
}

// inbox is an application-layer sink that counts deliveries per message id.
type inbox struct {
	mu       sync.Mutex
	received []models.Message
	failNext error
}

func (a *inbox) Deliver(_ context.Context, msg models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		return err
	}
	a.received = append(a.received, msg)
	return nil
}

func (a *inbox) messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Message(nil), a.received...)
}

var errBoom = errors.New("boom")
