package mailbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"relaybox/models"
)

// DedupDeliverer forwards each message id to Next at most once, so repeated
// or concurrent polls of the same mailbox surface one delivery per message.
type DedupDeliverer struct {
	Seen   SeenIDs
	Next   Deliverer
	Logger logrus.FieldLogger
}

// Deliver claims msg.ID and forwards it. An id that already reached the
// application yields ErrAlreadyDelivered; one still being delivered elsewhere
// yields ErrDeliveryInFlight. The claim is committed only after Next accepts
// the message and is released if Next fails.
func (d *DedupDeliverer) Deliver(ctx context.Context, msg models.Message) error {
	claim, err := d.Seen.ClaimSeenID(ctx, msg.ID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	switch claim {
	case models.ClaimDelivered:
		d.logger().WithField("message_id", msg.ID).Debug("duplicate delivery suppressed")
		return ErrAlreadyDelivered
	case models.ClaimInFlight:
		return ErrDeliveryInFlight
	}

	if d.Next != nil {
		if err := d.Next.Deliver(ctx, msg); err != nil {
			if forgetErr := d.Seen.ForgetSeenID(ctx, msg.ID); forgetErr != nil {
				d.logger().WithError(forgetErr).WithField("message_id", msg.ID).Error("release delivery claim")
			}
			return err
		}
	}

	// The application has the message now, so a failed commit must not keep
	// the envelope. The uncommitted claim lapses once no envelope is left.
	if err := d.Seen.CommitSeenID(ctx, msg.ID); err != nil {
		d.logger().WithError(err).WithField("message_id", msg.ID).Error("commit delivery claim")
	}
	return nil
}

func (d *DedupDeliverer) logger() logrus.FieldLogger {
	if d.Logger == nil {
		return logrus.StandardLogger()
	}
	return d.Logger
}
