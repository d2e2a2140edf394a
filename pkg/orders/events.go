package orders

// EventKind is the kind of state-change notification a providing member
// pushes to a requester.
type EventKind string

const (
	EventInstanceFulfilled EventKind = "INSTANCE_FULFILLED"
	EventInstanceFailed    EventKind = "INSTANCE_FAILED"
)

// OrderEvent is the push notification shipped from provider to requester when
// a remotely requested order reaches a settled state. Snapshot is the
// provider's copy of the order at the time of the event; the requester copies
// forward only the fields the provider is authoritative for.
type OrderEvent struct {
	OrderID  string    `json:"order_id"`
	Kind     EventKind `json:"kind"`
	Snapshot Order     `json:"snapshot"`
}
