package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"relaybox/models"
)

// DefaultOrphanGrace keeps recently written blobs out of garbage collection.
const DefaultOrphanGrace = 10 * time.Minute

// BlobCollector deletes blobs the caller no longer references.
type BlobCollector interface {
	CollectGarbage(ctx context.Context, referenced func(hash string) bool, grace time.Duration) ([]string, error)
}

// CollectOrphans removes blobs no envelope in any mailbox points at. Blobs
// younger than grace survive, which covers a send that has stored its blob
// but not yet its envelope.
func CollectOrphans(ctx context.Context, index DeliveryIndex, blobs BlobCollector, grace time.Duration, logger logrus.FieldLogger) ([]string, error) {
	if grace <= 0 {
		grace = DefaultOrphanGrace
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	entries, err := index.List(ctx, inboxRoot)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	referenced := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		var envelope models.Envelope
		if err := json.Unmarshal(entry.Value, &envelope); err != nil || envelope.ContentHash == "" {
			// An unreadable envelope could reference any blob.
			return nil, fmt.Errorf("mailbox entry %s is unreadable, refusing to collect", entry.Key)
		}
		referenced[envelope.ContentHash] = struct{}{}
	}

	removed, err := blobs.CollectGarbage(ctx, func(hash string) bool {
		_, ok := referenced[hash]
		return ok
	}, grace)
	if err != nil {
		return removed, fmt.Errorf("collect blobs: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"envelopes": len(entries),
		"removed":   len(removed),
	}).Info("orphan collection finished")
	return removed, nil
}
