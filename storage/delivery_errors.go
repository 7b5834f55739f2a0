package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaybox/models"
)

// SetDeliveryErrorRetention configures the automatic delivery-error pruning horizon.
func (s *Store) SetDeliveryErrorRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultDeliveryErrorRetention
	}
	s.deliveryErrorRetention = retention
}

// LogDeliveryError inserts a delivery error row and applies retention pruning.
func (s *Store) LogDeliveryError(ctx context.Context, record DeliveryError) error {
	if strings.TrimSpace(record.MailboxKey) == "" {
		return errors.New("mailbox_key is required")
	}
	if strings.TrimSpace(record.Stage) == "" {
		return errors.New("stage is required")
	}
	if record.Reason == "" {
		record.Reason = "unknown"
	}
	if record.Timestamp == 0 {
		record.Timestamp = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_errors (
			message_id,
			mailbox_key,
			recipient_id,
			stage,
			content_hash,
			reason,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.MessageID,
		record.MailboxKey,
		record.RecipientID,
		record.Stage,
		record.ContentHash,
		record.Reason,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert delivery error for %q: %w", record.MailboxKey, err)
	}

	if s.deliveryErrorRetention > 0 {
		cutoff := time.Now().Add(-s.deliveryErrorRetention).UnixMilli()
		if _, err := s.PruneDeliveryErrors(ctx, cutoff); err != nil {
			return fmt.Errorf("prune delivery errors: %w", err)
		}
	}

	return nil
}

// RecordDeliveryFailure stores a failed envelope so an operator can inspect it.
func (s *Store) RecordDeliveryFailure(ctx context.Context, failure models.DeliveryFailure) error {
	return s.LogDeliveryError(ctx, DeliveryError{
		MessageID:   failure.MessageID,
		MailboxKey:  failure.MailboxKey,
		RecipientID: failure.RecipientID,
		Stage:       failure.Stage,
		ContentHash: failure.ContentHash,
		Reason:      failure.Reason,
		Timestamp:   failure.Timestamp,
	})
}

// GetDeliveryErrors returns recent delivery errors with optional filtering.
func (s *Store) GetDeliveryErrors(ctx context.Context, filter DeliveryErrorFilter) ([]DeliveryError, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		message_id,
		mailbox_key,
		recipient_id,
		stage,
		content_hash,
		reason,
		timestamp
	FROM delivery_errors`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.RecipientID != "" {
		where = append(where, "recipient_id = ?")
		args = append(args, filter.RecipientID)
	}
	if filter.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, filter.Stage)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get delivery errors: %w", err)
	}
	defer rows.Close()

	records := make([]DeliveryError, 0)
	for rows.Next() {
		var record DeliveryError
		if err := rows.Scan(
			&record.ID,
			&record.MessageID,
			&record.MailboxKey,
			&record.RecipientID,
			&record.Stage,
			&record.ContentHash,
			&record.Reason,
			&record.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan delivery error row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery error rows: %w", err)
	}

	return records, nil
}

// PruneDeliveryErrors removes delivery errors older than cutoffTimestamp.
func (s *Store) PruneDeliveryErrors(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_errors WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune delivery errors: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for delivery error prune: %w", err)
	}

	return rowsAffected, nil
}
