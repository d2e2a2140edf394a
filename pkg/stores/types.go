package stores

import (
	"context"
	"time"

	"github.com/fedbroker/fedbroker/pkg/orders"
)

// StateChange is one audited order state transition.
type StateChange struct {
	ID        int64        `json:"id"`
	OrderID   string       `json:"order_id"`
	FromState orders.State `json:"from_state"`
	ToState   orders.State `json:"to_state"`
	Timestamp time.Time    `json:"timestamp"`
}

// RequestAudit is one audited user-initiated connector call. Engine-driven
// polling is not audited.
type RequestAudit struct {
	ID        int64     `json:"id"`
	Operation string    `json:"operation"`
	OrderID   string    `json:"order_id,omitempty"`
	UserID    string    `json:"user_id"`
	MemberID  string    `json:"member_id"`
	CloudName string    `json:"cloud_name"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStore is the persistence collaborator of the lifecycle engine.
// Transitions notify it fire-and-forget: failures are logged by the caller
// and never abort a transition.
type OrderStore interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// SaveOrder upserts the full order record.
	SaveOrder(ctx context.Context, order *orders.Order) error

	// MarkClosed flags the order inactive once it has left the registry.
	MarkClosed(ctx context.Context, orderID string) error

	// RecoverActiveOrders returns every order not yet marked closed, for
	// registry reconstruction at startup.
	RecoverActiveOrders(ctx context.Context) ([]*orders.Order, error)

	// AppendStateChange records one state transition in the audit trail.
	AppendStateChange(ctx context.Context, change *StateChange) error

	// AppendRequestAudit records one user-initiated connector call.
	AppendRequestAudit(ctx context.Context, entry *RequestAudit) error

	// ListStateChanges returns the audit trail of one order, oldest first.
	ListStateChanges(ctx context.Context, orderID string) ([]*StateChange, error)
}
