package models

// DeliveryState is a message lifecycle state.
type DeliveryState string

const (
	StateCreated          DeliveryState = "CREATED"
	StateSending          DeliveryState = "SENDING"
	StateDelivered        DeliveryState = "DELIVERED"
	StateStoredOffline    DeliveryState = "STORED_OFFLINE"
	StateDeliveredOffline DeliveryState = "DELIVERED_OFFLINE"
	StateFailed           DeliveryState = "FAILED"
)

var stateTransitions = map[DeliveryState][]DeliveryState{
	StateCreated:       {StateSending, StateFailed},
	StateSending:       {StateDelivered, StateStoredOffline, StateFailed},
	StateStoredOffline: {StateDeliveredOffline, StateFailed},
}

// Terminal reports whether no further routing transitions leave s.
func (s DeliveryState) Terminal() bool {
	switch s {
	case StateDelivered, StateDeliveredOffline, StateFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
