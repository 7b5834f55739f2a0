package mailbox

import (
	"errors"
	"fmt"
	"strings"

	"relaybox/models"
)

// Error taxonomy. Adapter packages wrap the same sentinels, so errors.Is
// matches across layers.
var (
	ErrNotFound          = models.ErrNotFound
	ErrPeerUnknown       = models.ErrPeerUnknown
	ErrTransportFailure  = models.ErrTransportFailure
	ErrCorruptedContent  = models.ErrCorruptedContent
	ErrDecryptionFailed  = models.ErrDecryptionFailed
	ErrIdentityConflict  = models.ErrIdentityConflict
	ErrIndexWriteFailure = models.ErrIndexWriteFailure

	// ErrAlreadyDelivered is returned by a Deliverer that has already handed
	// the message to the application. The router treats it as success.
	ErrAlreadyDelivered = errors.New("message already delivered")

	// ErrDeliveryInFlight is returned by a Deliverer while another delivery
	// of the same message is still running. The envelope must be kept.
	ErrDeliveryInFlight = errors.New("message delivery in progress")
)

// Stage names the step of a send or retrieval that failed.
type Stage string

const (
	StageLookup   Stage = "lookup"
	StageDial     Stage = "dial"
	StageTransmit Stage = "transmit"
	StageEncrypt  Stage = "encrypt"
	StageStore    Stage = "store_content"
	StageIndex    Stage = "index_write"
	StageList     Stage = "list"
	StageEnvelope Stage = "envelope"
	StageFetch    Stage = "fetch"
	StageDecrypt  Stage = "decrypt"
	StageDeliver  Stage = "deliver"
)

// DeliveryError reports which message failed and where.
type DeliveryError struct {
	MessageID string
	Stage     Stage
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("message %s: %s: %v", e.MessageID, e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// RetrievalError collects the envelopes a mailbox poll could not deliver.
// Delivered messages are returned alongside it.
type RetrievalError struct {
	Failures []*DeliveryError
}

func (e *RetrievalError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, failure.Error())
	}
	return fmt.Sprintf("%d envelope(s) not delivered: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *RetrievalError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure)
	}
	return errs
}
