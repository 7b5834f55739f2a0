package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"relaybox/models"
)

// DefaultPollInterval is how often a Poller drains the mailbox.
const DefaultPollInterval = 30 * time.Second

// Poller drains one identity's mailbox on an interval.
type Poller struct {
	router   *Router
	selfID   string
	interval time.Duration
	logger   logrus.FieldLogger
}

// NewPoller returns a poller for selfID's mailbox.
func NewPoller(router *Router, selfID string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		router:   router,
		selfID:   selfID,
		interval: interval,
		logger:   router.logger.WithField("peer_id", selfID),
	}
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single mailbox check and logs its outcome.
func (p *Poller) PollOnce(ctx context.Context) []models.Message {
	delivered, err := p.router.CheckOfflineMessages(ctx, p.selfID)
	if len(delivered) > 0 {
		p.logger.WithField("count", len(delivered)).Info("delivered offline messages")
	}

	var retrievalErr *RetrievalError
	switch {
	case err == nil:
	case errors.As(err, &retrievalErr):
		p.logger.WithField("failed", len(retrievalErr.Failures)).Warn("some envelopes could not be delivered")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		p.logger.WithError(err).Error("mailbox poll failed")
	}
	return delivered
}
