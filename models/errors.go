package models

import "errors"

// Error taxonomy shared by the router and its storage adapters.
var (
	ErrNotFound          = errors.New("not found")
	ErrPeerUnknown       = errors.New("peer unknown")
	ErrTransportFailure  = errors.New("transport failure")
	ErrCorruptedContent  = errors.New("corrupted content")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrIdentityConflict  = errors.New("identity conflict")
	ErrIndexWriteFailure = errors.New("index write failure")
)
