package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveMessageState upserts the lifecycle state for one message.
func (s *Store) SaveMessageState(ctx context.Context, state MessageState) error {
	if state.MessageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateMessageState(state.State); err != nil {
		return err
	}
	if state.UpdatedAt == 0 {
		state.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_states (
			message_id,
			sender_id,
			recipient_id,
			state,
			updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			sender_id = CASE WHEN excluded.sender_id != '' THEN excluded.sender_id ELSE message_states.sender_id END,
			recipient_id = CASE WHEN excluded.recipient_id != '' THEN excluded.recipient_id ELSE message_states.recipient_id END`,
		state.MessageID,
		state.SenderID,
		state.RecipientID,
		state.State,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save state for message %q: %w", state.MessageID, err)
	}

	return nil
}

// GetMessageState fetches the persisted state of one message.
func (s *Store) GetMessageState(ctx context.Context, messageID string) (*MessageState, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	var state MessageState
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, sender_id, recipient_id, state, updated_at
		FROM message_states
		WHERE message_id = ?`,
		messageID,
	).Scan(&state.MessageID, &state.SenderID, &state.RecipientID, &state.State, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get state for message %q: %w", messageID, err)
	}
	return &state, nil
}

// PruneMessageStates removes terminal states last updated before cutoff.
func (s *Store) PruneMessageStates(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_states
		WHERE state IN ('DELIVERED','DELIVERED_OFFLINE','FAILED') AND updated_at < ?`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune message states: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message state prune: %w", err)
	}
	return rowsAffected, nil
}
