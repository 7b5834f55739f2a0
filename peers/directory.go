// Package peers keeps the directory of known remote identities: their
// pinned public keys, liveness, and last known address.
package peers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"relaybox/models"
	"relaybox/storage"
)

var (
	// ErrNotFound indicates the directory has no such peer, or no key for it.
	ErrNotFound = fmt.Errorf("peers: %w", models.ErrNotFound)
	// ErrIdentityConflict indicates a peer id was presented with a key other
	// than the one already pinned for it.
	ErrIdentityConflict = models.ErrIdentityConflict
	// ErrInvalidPeerID indicates an id the mailbox key layout cannot carry.
	ErrInvalidPeerID = errors.New("peers: invalid peer id")
)

// Backend is the persistent table behind the directory.
type Backend interface {
	AddPeer(ctx context.Context, peer storage.Peer) error
	GetPeer(ctx context.Context, peerID string) (*storage.Peer, error)
	ListPeers(ctx context.Context) ([]storage.Peer, error)
	UpdatePeerStatus(ctx context.Context, peerID, status string, lastSeenTimestamp int64) error
	UpdatePeerAddress(ctx context.Context, peerID, address string) error
	UpdatePeerDisplayName(ctx context.Context, peerID, displayName string) error
	SetPeerPublicKey(ctx context.Context, peerID string, publicKey []byte) error
}

// CacheTTL bounds how stale a cached row may get. Other processes sharing
// the backend write to it without going through this directory.
const CacheTTL = 2 * time.Second

// Directory is a read-through cache over Backend. Writes go to the backend
// first; the cached row is dropped afterwards and reloaded on next read.
type Directory struct {
	backend Backend
	logger  logrus.FieldLogger
	now     func() time.Time

	mu         sync.RWMutex
	cache      map[string]cachedPeer
	generation uint64
}

type cachedPeer struct {
	peer     models.Peer
	loadedAt time.Time
}

// NewDirectory returns a directory over backend.
func NewDirectory(backend Backend, logger logrus.FieldLogger) *Directory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Directory{
		backend: backend,
		logger:  logger.WithField("component", "peers"),
		now:     time.Now,
		cache:   make(map[string]cachedPeer),
	}
}

// ValidateID rejects ids that are empty or would split a mailbox key.
func ValidateID(peerID string) error {
	if strings.TrimSpace(peerID) == "" || strings.Contains(peerID, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPeerID, peerID)
	}
	return nil
}

// UpsertPeer adds a peer or updates a known one. Status and address follow
// last-write-wins. A key, once pinned, never changes: a different non-empty
// key fails with ErrIdentityConflict, an empty key keeps the pinned one.
func (d *Directory) UpsertPeer(ctx context.Context, peer models.Peer) error {
	if err := ValidateID(peer.ID); err != nil {
		return err
	}
	if peer.Status == "" {
		peer.Status = models.PeerOffline
	}
	if !peer.Status.Valid() {
		return fmt.Errorf("invalid peer status %q", peer.Status)
	}
	defer d.invalidate(peer.ID)

	row := storage.Peer{
		PeerID:         peer.ID,
		DisplayName:    peer.Name,
		PublicKey:      peer.PublicKey,
		Status:         string(peer.Status),
		AddedTimestamp: d.now().UnixMilli(),
	}
	if peer.LastSeen > 0 {
		lastSeen := peer.LastSeen
		row.LastSeenTimestamp = &lastSeen
	}
	if peer.Address != "" {
		address := peer.Address
		row.Address = &address
	}

	err := d.backend.AddPeer(ctx, row)
	if err == nil {
		d.logger.WithField("peer_id", peer.ID).Info("added peer")
		return nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("add peer %q: %w", peer.ID, err)
	}

	if err := d.pinKey(ctx, peer.ID, peer.PublicKey); err != nil {
		return err
	}
	if err := d.backend.UpdatePeerStatus(ctx, peer.ID, string(peer.Status), peer.LastSeen); err != nil {
		return d.mapErr(peer.ID, err)
	}
	if peer.Name != "" {
		if err := d.backend.UpdatePeerDisplayName(ctx, peer.ID, peer.Name); err != nil {
			return d.mapErr(peer.ID, err)
		}
	}
	if peer.Address != "" {
		if err := d.backend.UpdatePeerAddress(ctx, peer.ID, peer.Address); err != nil {
			return d.mapErr(peer.ID, err)
		}
	}
	return nil
}

// pinKey stores key for a peer that has none, or checks it against the
// pinned one. The backend's conditional update decides concurrent races.
func (d *Directory) pinKey(ctx context.Context, peerID string, key []byte) error {
	if len(key) == 0 {
		return nil
	}

	err := d.backend.SetPeerPublicKey(ctx, peerID, key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("pin key for peer %q: %w", peerID, err)
	}

	current, err := d.backend.GetPeer(ctx, peerID)
	if err != nil {
		return d.mapErr(peerID, err)
	}
	if !bytes.Equal(current.PublicKey, key) {
		d.logger.WithField("peer_id", peerID).Warn("rejected peer key change")
		return fmt.Errorf("peer %q: %w", peerID, ErrIdentityConflict)
	}
	return nil
}

// GetPeer returns the peer with id.
func (d *Directory) GetPeer(ctx context.Context, peerID string) (models.Peer, error) {
	peer, err := d.lookup(ctx, peerID)
	if err != nil {
		return models.Peer{}, err
	}
	return clonePeer(peer), nil
}

// GetPublicKey returns the pinned key of peerID.
func (d *Directory) GetPublicKey(ctx context.Context, peerID string) ([]byte, error) {
	peer, err := d.lookup(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if len(peer.PublicKey) == 0 {
		return nil, fmt.Errorf("peer %q has no public key: %w", peerID, ErrNotFound)
	}
	return bytes.Clone(peer.PublicKey), nil
}

// SetStatus records a liveness change. Going online also stamps last seen.
func (d *Directory) SetStatus(ctx context.Context, peerID string, status models.PeerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid peer status %q", status)
	}
	defer d.invalidate(peerID)

	var lastSeen int64
	if status == models.PeerOnline {
		lastSeen = d.now().UnixMilli()
	}
	if err := d.backend.UpdatePeerStatus(ctx, peerID, string(status), lastSeen); err != nil {
		return d.mapErr(peerID, err)
	}
	return nil
}

// SetAddress records the host:port a peer was last reachable on.
func (d *Directory) SetAddress(ctx context.Context, peerID, address string) error {
	defer d.invalidate(peerID)

	if err := d.backend.UpdatePeerAddress(ctx, peerID, address); err != nil {
		return d.mapErr(peerID, err)
	}
	return nil
}

// MarkSeen marks peerID online and, when address is set, records it.
func (d *Directory) MarkSeen(ctx context.Context, peerID, address string) error {
	if err := d.SetStatus(ctx, peerID, models.PeerOnline); err != nil {
		return err
	}
	if address == "" {
		return nil
	}
	return d.SetAddress(ctx, peerID, address)
}

// ListPeers returns every known peer.
func (d *Directory) ListPeers(ctx context.Context) ([]models.Peer, error) {
	rows, err := d.backend.ListPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	peers := make([]models.Peer, 0, len(rows))
	for _, row := range rows {
		peers = append(peers, fromRow(row))
	}
	return peers, nil
}

func (d *Directory) lookup(ctx context.Context, peerID string) (models.Peer, error) {
	now := d.now()
	d.mu.RLock()
	cached, ok := d.cache[peerID]
	generation := d.generation
	d.mu.RUnlock()
	if ok && now.Sub(cached.loadedAt) < CacheTTL {
		return cached.peer, nil
	}

	row, err := d.backend.GetPeer(ctx, peerID)
	if err != nil {
		return models.Peer{}, d.mapErr(peerID, err)
	}
	peer := fromRow(*row)

	d.mu.Lock()
	if d.generation == generation {
		d.cache[peerID] = cachedPeer{peer: peer, loadedAt: now}
	}
	d.mu.Unlock()
	return peer, nil
}

// invalidate drops a cached row. Bumping the generation stops a read that
// started before the write from caching what it saw.
func (d *Directory) invalidate(peerID string) {
	d.mu.Lock()
	delete(d.cache, peerID)
	d.generation++
	d.mu.Unlock()
}

func (d *Directory) mapErr(peerID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("peer %q: %w", peerID, ErrNotFound)
	}
	return fmt.Errorf("peer %q: %w", peerID, err)
}

func fromRow(row storage.Peer) models.Peer {
	peer := models.Peer{
		ID:        row.PeerID,
		Name:      row.DisplayName,
		PublicKey: row.PublicKey,
		Status:    models.PeerStatus(row.Status),
	}
	if row.LastSeenTimestamp != nil {
		peer.LastSeen = *row.LastSeenTimestamp
	}
	if row.Address != nil {
		peer.Address = *row.Address
	}
	return peer
}

func clonePeer(peer models.Peer) models.Peer {
	peer.PublicKey = bytes.Clone(peer.PublicKey)
	return peer
}
