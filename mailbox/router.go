// Package mailbox routes messages to peers directly when they are online and
// through an encrypted store-and-forward mailbox when they are not.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"relaybox/models"
	"relaybox/peers"
	"relaybox/storage"
)

// DefaultSendTimeout bounds a direct send when the caller's context has no deadline.
const DefaultSendTimeout = 10 * time.Second

// Options wires a Router to its collaborators. Deliverer, Failures and
// States are optional.
type Options struct {
	Directory PeerDirectory
	Transport Transport
	Content   ContentStore
	Index     DeliveryIndex
	Crypto    CryptoBox
	Keys      KeySource

	Tracker   *Tracker
	Deliverer Deliverer
	Failures  FailureRecorder
	States    StateSink

	SendTimeout time.Duration
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Router drives the message state machine for sends and mailbox retrieval.
type Router struct {
	options Options
	logger  logrus.FieldLogger
	counter atomic.Uint64
}

// NewRouter validates options and returns a router.
func NewRouter(options Options) (*Router, error) {
	switch {
	case options.Directory == nil:
		return nil, errors.New("peer directory is required")
	case options.Transport == nil:
		return nil, errors.New("transport is required")
	case options.Content == nil:
		return nil, errors.New("content store is required")
	case options.Index == nil:
		return nil, errors.New("delivery index is required")
	case options.Crypto == nil:
		return nil, errors.New("crypto box is required")
	}
	if options.Tracker == nil {
		options.Tracker = NewTracker()
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = DefaultSendTimeout
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	return &Router{
		options: options,
		logger:  options.Logger.WithField("component", "mailbox"),
	}, nil
}

// Tracker returns the lifecycle table the router records into.
func (r *Router) Tracker() *Tracker {
	return r.options.Tracker
}

// SendMessage routes plaintext from senderID to recipientID. The route is
// chosen once from the recipient's liveness at the time of the call. The
// returned message carries its final state even when an error is returned.
func (r *Router) SendMessage(ctx context.Context, senderID, recipientID string, plaintext []byte) (models.Message, error) {
	if err := peers.ValidateID(senderID); err != nil {
		return models.Message{}, fmt.Errorf("sender: %w", err)
	}
	if err := peers.ValidateID(recipientID); err != nil {
		return models.Message{}, fmt.Errorf("recipient: %w", err)
	}

	msg := models.Message{
		ID:          r.nextMessageID(senderID),
		SenderID:    senderID,
		RecipientID: recipientID,
		Timestamp:   r.options.Now().UnixMilli(),
		Plaintext:   plaintext,
	}
	r.record(ctx, &msg, models.StateCreated)
	r.transition(ctx, &msg, models.StateSending)

	logger := r.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"peer_id":    recipientID,
	})

	peer, err := r.options.Directory.GetPeer(ctx, recipientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrPeerUnknown, err)
		}
		return r.fail(ctx, &msg, StageLookup, err)
	}

	if peer.Online() {
		logger.Debug("recipient online, sending directly")
		return r.sendDirect(ctx, &msg)
	}
	logger.Debug("recipient offline, storing in mailbox")
	return r.storeOffline(ctx, &msg)
}

func (r *Router) sendDirect(ctx context.Context, msg *models.Message) (models.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.SendTimeout)
		defer cancel()
	}

	payload, err := EncodeDirectPayload(*msg)
	if err != nil {
		return r.fail(ctx, msg, StageTransmit, err)
	}

	channel, err := r.options.Transport.Dial(ctx, msg.RecipientID)
	if err != nil {
		return r.fail(ctx, msg, StageDial, fmt.Errorf("%w: %w", ErrTransportFailure, err))
	}
	defer func() {
		if err := channel.Close(); err != nil {
			r.logger.WithError(err).WithField("peer_id", msg.RecipientID).Debug("close channel")
		}
	}()

	if err := channel.Send(ctx, payload); err != nil {
		return r.fail(ctx, msg, StageTransmit, fmt.Errorf("%w: %w", ErrTransportFailure, err))
	}

	r.transition(ctx, msg, models.StateDelivered)
	return *msg, nil
}

// storeOffline writes the sealed blob first and the envelope second. A
// failed envelope write leaves an unreferenced blob for CollectOrphans.
func (r *Router) storeOffline(ctx context.Context, msg *models.Message) (models.Message, error) {
	publicKey, err := r.options.Directory.GetPublicKey(ctx, msg.RecipientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("%w: no public key for %s: %w", ErrPeerUnknown, msg.RecipientID, err)
		}
		return r.fail(ctx, msg, StageLookup, err)
	}

	sealed, err := r.options.Crypto.EncryptFor(msg.Plaintext, publicKey)
	if err != nil {
		return r.fail(ctx, msg, StageEncrypt, err)
	}

	contentHash, err := r.options.Content.Put(ctx, sealed)
	if err != nil {
		return r.fail(ctx, msg, StageStore, err)
	}

	value, err := encodeEnvelope(models.Envelope{
		ContentHash: contentHash,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		MessageID:   msg.ID,
		Timestamp:   msg.Timestamp,
	})
	if err != nil {
		return r.fail(ctx, msg, StageIndex, fmt.Errorf("%w: %w", ErrIndexWriteFailure, err))
	}
	if err := r.options.Index.Put(ctx, MailboxKey(msg.RecipientID, msg.ID), value); err != nil {
		r.logger.WithFields(logrus.Fields{
			"message_id":   msg.ID,
			"content_hash": contentHash,
		}).Warn("envelope write failed, blob left unreferenced")
		return r.fail(ctx, msg, StageIndex, fmt.Errorf("%w: %w", ErrIndexWriteFailure, err))
	}

	r.transition(ctx, msg, models.StateStoredOffline)
	return *msg, nil
}

// CheckOfflineMessages drains selfID's mailbox. Each envelope is fetched,
// verified, decrypted, delivered and only then removed. Envelopes that fail
// any step stay in place and are reported in a *RetrievalError returned
// together with the messages that were delivered.
func (r *Router) CheckOfflineMessages(ctx context.Context, selfID string) ([]models.Message, error) {
	if err := peers.ValidateID(selfID); err != nil {
		return nil, err
	}
	if r.options.Keys == nil {
		return nil, errors.New("no key source configured")
	}
	privateKey, err := r.options.Keys.PrivateKey(selfID)
	if err != nil {
		return nil, err
	}

	entries, err := r.options.Index.List(ctx, MailboxPrefix(selfID))
	if err != nil {
		return nil, &DeliveryError{Stage: StageList, Err: err}
	}

	delivered := make([]models.Message, 0, len(entries))
	var failures []*DeliveryError
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		msg, ok, failure := r.retrieve(ctx, selfID, entry, privateKey)
		if failure != nil {
			failures = append(failures, failure)
			continue
		}
		if ok {
			delivered = append(delivered, msg)
		}
	}

	if len(failures) > 0 {
		return delivered, &RetrievalError{Failures: failures}
	}
	return delivered, nil
}

// retrieve handles one envelope. ok is false when the message was already
// delivered by an earlier poll or is being delivered by a concurrent one.
func (r *Router) retrieve(ctx context.Context, selfID string, entry models.IndexEntry, privateKey []byte) (models.Message, bool, *DeliveryError) {
	envelope, err := decodeEnvelope(entry)
	if err != nil {
		return models.Message{}, false, r.reportFailure(ctx, selfID, entry.Key, envelope, StageEnvelope, err)
	}
	if envelope.RecipientID != selfID {
		err := fmt.Errorf("%w: envelope addressed to %s", ErrCorruptedContent, envelope.RecipientID)
		return models.Message{}, false, r.reportFailure(ctx, selfID, entry.Key, envelope, StageEnvelope, err)
	}

	sealed, err := r.options.Content.Get(ctx, envelope.ContentHash)
	if err != nil {
		return models.Message{}, false, r.reportFailure(ctx, selfID, entry.Key, envelope, StageFetch, err)
	}

	plaintext, err := r.options.Crypto.DecryptWith(sealed, privateKey)
	if err != nil {
		if !errors.Is(err, ErrDecryptionFailed) {
			err = fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		return models.Message{}, false, r.reportFailure(ctx, selfID, entry.Key, envelope, StageDecrypt, err)
	}

	msg := models.Message{
		ID:          envelope.MessageID,
		SenderID:    envelope.SenderID,
		RecipientID: envelope.RecipientID,
		Timestamp:   envelope.Timestamp,
		Plaintext:   plaintext,
		State:       models.StateStoredOffline,
	}

	fresh := true
	if r.options.Deliverer != nil {
		if err := r.options.Deliverer.Deliver(ctx, msg); err != nil {
			switch {
			case errors.Is(err, ErrDeliveryInFlight):
				r.logger.WithField("message_id", msg.ID).Debug("delivery in progress elsewhere, envelope kept")
				return models.Message{}, false, nil
			case errors.Is(err, ErrAlreadyDelivered):
				fresh = false
			default:
				return models.Message{}, false, r.reportFailure(ctx, selfID, entry.Key, envelope, StageDeliver, err)
			}
		}
	}

	if fresh {
		r.transition(ctx, &msg, models.StateDeliveredOffline)
	}

	if err := r.options.Index.Delete(ctx, entry.Key); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.WithError(err).WithField("message_id", msg.ID).Warn("delivered envelope not removed, it will be seen again")
	}

	msg.State = models.StateDeliveredOffline
	return msg, fresh, nil
}

func (r *Router) reportFailure(ctx context.Context, selfID, key string, envelope models.Envelope, stage Stage, err error) *DeliveryError {
	messageID := envelope.MessageID
	if messageID == "" {
		messageID = messageIDFromKey(key)
	}
	failure := &DeliveryError{MessageID: messageID, Stage: stage, Err: err}

	r.logger.WithFields(logrus.Fields{
		"message_id":   messageID,
		"stage":        stage,
		"content_hash": envelope.ContentHash,
	}).WithError(err).Warn("envelope left in mailbox")

	if r.options.Failures != nil {
		recordErr := r.options.Failures.RecordDeliveryFailure(ctx, models.DeliveryFailure{
			MessageID:   messageID,
			MailboxKey:  key,
			RecipientID: selfID,
			Stage:       string(stage),
			ContentHash: envelope.ContentHash,
			Reason:      err.Error(),
			Timestamp:   r.options.Now().UnixMilli(),
		})
		if recordErr != nil {
			r.logger.WithError(recordErr).WithField("message_id", messageID).Error("record delivery failure")
		}
	}
	return failure
}

func (r *Router) fail(ctx context.Context, msg *models.Message, stage Stage, err error) (models.Message, error) {
	r.transition(ctx, msg, models.StateFailed)
	r.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"peer_id":    msg.RecipientID,
		"stage":      stage,
	}).WithError(err).Warn("send failed")
	return *msg, &DeliveryError{MessageID: msg.ID, Stage: stage, Err: err}
}

// transition moves msg to next if the state machine allows it.
func (r *Router) transition(ctx context.Context, msg *models.Message, next models.DeliveryState) {
	if !msg.State.CanTransition(next) {
		r.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"from":       msg.State,
			"to":         next,
		}).Error("illegal state transition ignored")
		return
	}
	r.record(ctx, msg, next)
}

func (r *Router) record(ctx context.Context, msg *models.Message, state models.DeliveryState) {
	msg.State = state
	now := r.options.Now()
	r.options.Tracker.RecordState(msg.ID, state, now)

	if r.options.States == nil {
		return
	}
	err := r.options.States.SaveMessageState(ctx, storage.MessageState{
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		State:       string(state),
		UpdatedAt:   now.UnixMilli(),
	})
	if err != nil {
		r.logger.WithError(err).WithField("message_id", msg.ID).Warn("persist message state")
	}
}

// nextMessageID returns sender:counter:unixNano:suffix. The random suffix
// keeps ids unique across router instances acting for the same sender.
func (r *Router) nextMessageID(senderID string) string {
	counter := r.counter.Add(1)
	suffix := uuid.NewString()[:8]
	return senderID + ":" + strconv.FormatUint(counter, 10) + ":" +
		strconv.FormatInt(r.options.Now().UnixNano(), 10) + ":" + suffix
}
