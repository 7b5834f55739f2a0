package mailbox

import (
	"sync"
	"time"

	"relaybox/models"
)

const defaultSubscriberBuffer = 64

// StateChange is one recorded lifecycle step.
type StateChange struct {
	MessageID string
	State     models.DeliveryState
	Timestamp time.Time
}

// Tracker is the shared table of message lifecycle states. It only records;
// the router decides which transitions are legal.
type Tracker struct {
	mu          sync.RWMutex
	states      map[string]StateChange
	subscribers map[int]chan StateChange
	nextSubID   int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states:      make(map[string]StateChange),
		subscribers: make(map[int]chan StateChange),
	}
}

// RecordState stores state for messageID and notifies subscribers. A
// subscriber whose buffer is full misses the change rather than blocking.
func (t *Tracker) RecordState(messageID string, state models.DeliveryState, ts time.Time) {
	change := StateChange{MessageID: messageID, State: state, Timestamp: ts}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[messageID] = change
	for _, ch := range t.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

// GetState returns the last recorded state of messageID.
func (t *Tracker) GetState(messageID string) (models.DeliveryState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	change, ok := t.states[messageID]
	return change.State, ok
}

// Snapshot returns the last recorded change for messageID.
func (t *Tracker) Snapshot(messageID string) (StateChange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	change, ok := t.states[messageID]
	return change, ok
}

// Subscribe returns a channel of future changes and a func that closes it.
func (t *Tracker) Subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan StateChange, buffer)

	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}
