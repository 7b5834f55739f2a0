package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"relaybox/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = fmt.Errorf("storage: record %w", models.ErrNotFound)
	// ErrAlreadyExists indicates an insert collided with an existing row.
	ErrAlreadyExists = errors.New("storage: record already exists")
)

// Peer is the SQLite representation of a known remote identity.
type Peer struct {
	PeerID            string
	DisplayName       string
	PublicKey         []byte
	Status            string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	Address           *string
}

// MessageState is the persisted lifecycle state of one message.
type MessageState struct {
	MessageID   string
	SenderID    string
	RecipientID string
	State       string
	UpdatedAt   int64
}

// DeliveryError records one envelope that could not be delivered.
type DeliveryError struct {
	ID          int64
	MessageID   string
	MailboxKey  string
	RecipientID string
	Stage       string
	ContentHash string
	Reason      string
	Timestamp   int64
}

// DeliveryErrorFilter narrows GetDeliveryErrors query results.
type DeliveryErrorFilter struct {
	RecipientID   string
	Stage         string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validatePeerStatus(status string) error {
	if !models.PeerStatus(status).Valid() {
		return fmt.Errorf("invalid peer status %q", status)
	}
	return nil
}

func validateMessageState(state string) error {
	switch models.DeliveryState(state) {
	case models.StateCreated,
		models.StateSending,
		models.StateDelivered,
		models.StateStoredOffline,
		models.StateDeliveredOffline,
		models.StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid message state %q", state)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
