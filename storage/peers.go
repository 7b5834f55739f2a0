package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddPeer inserts a new peer row. It returns ErrAlreadyExists when the id is taken.
func (s *Store) AddPeer(ctx context.Context, peer Peer) error {
	if peer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if peer.Status == "" {
		peer.Status = "offline"
	}
	if err := validatePeerStatus(peer.Status); err != nil {
		return err
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	var publicKey any
	if len(peer.PublicKey) > 0 {
		publicKey = peer.PublicKey
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO peers (
			peer_id,
			display_name,
			public_key,
			status,
			added_timestamp,
			last_seen_timestamp,
			address
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO NOTHING`,
		peer.PeerID,
		peer.DisplayName,
		publicKey,
		peer.Status,
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		nullString(peer.Address),
	)
	if err != nil {
		return fmt.Errorf("insert peer %q: %w", peer.PeerID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for insert peer %q: %w", peer.PeerID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("peer %q: %w", peer.PeerID, ErrAlreadyExists)
	}

	return nil
}

// GetPeer fetches a peer by id.
func (s *Store) GetPeer(ctx context.Context, peerID string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			peer_id,
			display_name,
			public_key,
			status,
			added_timestamp,
			last_seen_timestamp,
			address
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}

	return peer, nil
}

// ListPeers returns all peers sorted by display name.
func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT
			peer_id,
			display_name,
			public_key,
			status,
			added_timestamp,
			last_seen_timestamp,
			address
		FROM peers
		ORDER BY display_name, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// UpdatePeerStatus updates status and optionally last seen timestamp (when > 0).
func (s *Store) UpdatePeerStatus(ctx context.Context, peerID, status string, lastSeenTimestamp int64) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validatePeerStatus(status); err != nil {
		return err
	}

	return s.execAffectingOne(ctx, fmt.Sprintf("update peer status %q", peerID),
		`UPDATE peers
		SET status = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE peer_id = ?`,
		status,
		lastSeenTimestamp,
		lastSeenTimestamp,
		peerID,
	)
}

// UpdatePeerAddress updates the last known host:port of a peer.
func (s *Store) UpdatePeerAddress(ctx context.Context, peerID, address string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if strings.TrimSpace(address) == "" {
		return errors.New("address is required")
	}

	return s.execAffectingOne(ctx, fmt.Sprintf("update peer address %q", peerID),
		`UPDATE peers
		SET address = ?
		WHERE peer_id = ?`,
		address,
		peerID,
	)
}

// UpdatePeerDisplayName updates the stored peer display name.
func (s *Store) UpdatePeerDisplayName(ctx context.Context, peerID, displayName string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if strings.TrimSpace(displayName) == "" {
		return errors.New("display_name is required")
	}

	return s.execAffectingOne(ctx, fmt.Sprintf("update peer display name %q", peerID),
		`UPDATE peers
		SET display_name = ?
		WHERE peer_id = ?`,
		displayName,
		peerID,
	)
}

// SetPeerPublicKey pins a public key for a peer that has none yet. A peer
// that already has a key is left untouched and ErrNotFound is returned.
func (s *Store) SetPeerPublicKey(ctx context.Context, peerID string, publicKey []byte) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if len(publicKey) == 0 {
		return errors.New("public_key is required")
	}

	return s.execAffectingOne(ctx, fmt.Sprintf("set peer public key %q", peerID),
		`UPDATE peers
		SET public_key = ?
		WHERE peer_id = ? AND (public_key IS NULL OR length(public_key) = 0)`,
		publicKey,
		peerID,
	)
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer     Peer
		lastSeen sql.NullInt64
		address  sql.NullString
	)

	if err := row.Scan(
		&peer.PeerID,
		&peer.DisplayName,
		&peer.PublicKey,
		&peer.Status,
		&peer.AddedTimestamp,
		&lastSeen,
		&address,
	); err != nil {
		return nil, err
	}

	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.Address = stringPtr(address)
	return &peer, nil
}
