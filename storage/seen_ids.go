package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"relaybox/models"
)

// SeenClaimLease is how long an uncommitted claim blocks other deliveries of
// the same id. A claim older than this is treated as abandoned.
const SeenClaimLease = 2 * time.Minute

// ClaimSeenID takes the delivery claim for a message ID. Only one caller wins
// an id; the others learn whether its delivery is still running or done.
func (s *Store) ClaimSeenID(ctx context.Context, messageID string, claimedAt int64) (models.SeenClaim, error) {
	if messageID == "" {
		return models.ClaimInFlight, errors.New("message_id is required")
	}
	if claimedAt == 0 {
		claimedAt = nowUnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_message_ids (message_id, received_at, delivered)
		VALUES (?, ?, 0)
		ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at
		WHERE seen_message_ids.delivered = 0 AND seen_message_ids.received_at < ?`,
		messageID,
		claimedAt,
		claimedAt-SeenClaimLease.Milliseconds(),
	)
	if err != nil {
		return models.ClaimInFlight, fmt.Errorf("claim seen message ID %q: %w", messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return models.ClaimInFlight, fmt.Errorf("read rows affected for claim seen ID %q: %w", messageID, err)
	}
	if rowsAffected == 1 {
		return models.ClaimWon, nil
	}

	var delivered int
	err = s.db.QueryRowContext(ctx,
		`SELECT delivered FROM seen_message_ids WHERE message_id = ?`,
		messageID,
	).Scan(&delivered)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Released between the two statements; the next poll retries.
		return models.ClaimInFlight, nil
	case err != nil:
		return models.ClaimInFlight, fmt.Errorf("read seen message ID %q: %w", messageID, err)
	case delivered == 1:
		return models.ClaimDelivered, nil
	default:
		return models.ClaimInFlight, nil
	}
}

// CommitSeenID marks a claimed ID as delivered to the application.
func (s *Store) CommitSeenID(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_message_ids (message_id, received_at, delivered)
		VALUES (?, ?, 1)
		ON CONFLICT(message_id) DO UPDATE SET delivered = 1`,
		messageID,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("commit seen message ID %q: %w", messageID, err)
	}
	return nil
}

// ForgetSeenID releases an uncommitted claim so a later delivery attempt may
// retry it. Committed IDs are left alone.
func (s *Store) ForgetSeenID(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_message_ids WHERE message_id = ? AND delivered = 0`,
		messageID,
	); err != nil {
		return fmt.Errorf("forget seen message ID %q: %w", messageID, err)
	}
	return nil
}

// HasSeenID returns true if a message ID has been delivered.
func (s *Store) HasSeenID(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM seen_message_ids WHERE message_id = ? AND delivered = 1)`,
		messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen message ID %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// PruneSeenIDs removes seen_message_ids rows older than cutoff timestamp.
// IDs whose envelope is still in some mailbox are kept so that envelope is
// not handed out twice.
func (s *Store) PruneSeenIDs(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_message_ids
		WHERE received_at < ?
		  AND NOT EXISTS (
		    SELECT 1 FROM mailbox_entries m
		    WHERE m.key LIKE 'inbox/%'
		      AND substr(m.key, length(m.key) - length(seen_message_ids.message_id)) = '/' || seen_message_ids.message_id
		  )`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}
