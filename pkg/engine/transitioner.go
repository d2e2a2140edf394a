package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/stores"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// Transitioner is the only component allowed to move an order between state
// queues and mutate its state field. Persistence is notified fire-and-forget:
// store failures are logged and never abort a transition.
type Transitioner struct {
	registry      *orders.Registry
	store         stores.OrderStore
	notifier      EventNotifier
	localMemberID string
	logger        *telemetry.Logger
	metrics       *telemetry.Metrics
}

// NewTransitioner creates the transitioner. The notifier may be nil when the
// member does not serve remote requesters.
func NewTransitioner(registry *orders.Registry, store stores.OrderStore, notifier EventNotifier, localMemberID string, logger *telemetry.Logger, metrics *telemetry.Metrics) *Transitioner {
	return &Transitioner{
		registry:      registry,
		store:         store,
		notifier:      notifier,
		localMemberID: localMemberID,
		logger:        logger.NewComponentLogger("transitioner"),
		metrics:       metrics,
	}
}

// SetNotifier installs the event notifier after construction. Breaks the
// wiring circle between the engine and the federation client at startup.
func (t *Transitioner) SetNotifier(notifier EventNotifier) {
	t.notifier = notifier
}

// Activate registers a brand-new order and places it in the OPEN queue. The
// order is not yet shared with any processor, so no lock is required.
func (t *Transitioner) Activate(ctx context.Context, order *orders.Order) error {
	order.InitLock()
	order.State = orders.StateOpen
	if order.CachedInstanceState == "" {
		order.CachedInstanceState = string(orders.InstanceDispatched)
	}

	if err := t.registry.Insert(order); err != nil {
		return err
	}
	t.registry.Queue(orders.StateOpen).Append(order)

	locality := "local"
	if order.IsProviderRemote(t.localMemberID) {
		locality = "remote"
	}
	t.metrics.RecordActivation(string(order.Type), locality)
	t.metrics.RecordTransition("", string(orders.StateOpen))
	t.logger.WithOrder(order.ID).WithField("type", order.Type).Info("order activated")

	snapshot := order.Snapshot()
	go t.persist(&snapshot, "", orders.StateOpen)
	return nil
}

// Restore re-registers a recovered order in the queue matching its persisted
// state. Used at startup only, before any processor runs.
func (t *Transitioner) Restore(order *orders.Order) error {
	order.InitLock()
	queue := t.registry.Queue(order.State)
	if queue == nil {
		return orders.NewUnexpectedError(fmt.Sprintf("recovered order %s has unknown state %s", order.ID, order.State), nil)
	}
	if err := t.registry.Insert(order); err != nil {
		return err
	}
	queue.Append(order)
	t.metrics.RecordTransition("", string(order.State))
	return nil
}

// Transition moves the order from its current queue to the one bound to
// newState. The caller must hold the order lock. Calling it again for the
// same target state is a no-op.
func (t *Transitioner) Transition(ctx context.Context, order *orders.Order, newState orders.State) error {
	oldState := order.State
	if oldState == newState {
		return nil
	}

	oldQueue := t.registry.Queue(oldState)
	newQueue := t.registry.Queue(newState)
	if newQueue == nil {
		return orders.NewUnexpectedError(fmt.Sprintf("unknown target state %s", newState), nil).WithOrder(order.ID)
	}

	if oldQueue != nil && !oldQueue.Remove(order) {
		// The queue membership invariant is broken; refuse to double-insert.
		return orders.NewUnexpectedError(
			fmt.Sprintf("order not found in %s queue", oldState), nil).WithOrder(order.ID)
	}

	order.State = newState
	order.UpdatedAt = time.Now().UTC()
	newQueue.Append(order)

	t.metrics.RecordTransition(string(oldState), string(newState))
	t.logger.WithOrder(order.ID).
		WithField("from", oldState).
		WithField("to", newState).
		Info("order transitioned")

	snapshot := order.Snapshot()
	go t.persist(&snapshot, oldState, newState)
	t.notifyRequester(ctx, &snapshot, newState)
	return nil
}

// Deactivate removes a settled order from its queue and the registry and
// marks it closed in the store. The caller must hold the order lock.
func (t *Transitioner) Deactivate(ctx context.Context, order *orders.Order) error {
	queue := t.registry.Queue(order.State)
	if queue != nil && !queue.Remove(order) {
		return orders.NewUnexpectedError(
			fmt.Sprintf("order not found in %s queue", order.State), nil).WithOrder(order.ID)
	}
	t.registry.Remove(order.ID)
	t.metrics.RecordRemoval(string(order.State))
	t.logger.WithOrder(order.ID).Info("order removed from registry")

	if err := t.store.MarkClosed(context.WithoutCancel(ctx), order.ID); err != nil {
		t.logger.WithOrder(order.ID).WithError(err).Error("failed to mark order closed in store")
	}
	return nil
}

func (t *Transitioner) persist(snapshot *orders.Order, from, to orders.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.store.SaveOrder(ctx, snapshot); err != nil {
		t.logger.WithOrder(snapshot.ID).WithError(err).Error("failed to persist order")
	}
	if err := t.store.AppendStateChange(ctx, &stores.StateChange{
		OrderID:   snapshot.ID,
		FromState: from,
		ToState:   to,
	}); err != nil {
		t.logger.WithOrder(snapshot.ID).WithError(err).Error("failed to append state change audit")
	}
}

// notifyRequester pushes the settlement event when this member is the
// provider of an order requested elsewhere.
func (t *Transitioner) notifyRequester(ctx context.Context, snapshot *orders.Order, newState orders.State) {
	if t.notifier == nil {
		return
	}
	if !snapshot.IsProviderLocal(t.localMemberID) || !snapshot.IsRequesterRemote(t.localMemberID) {
		return
	}

	var kind orders.EventKind
	switch newState {
	case orders.StateFulfilled:
		kind = orders.EventInstanceFulfilled
	case orders.StateFailedAfterSuccessfulRequest:
		kind = orders.EventInstanceFailed
	default:
		return
	}

	t.notifier.NotifyRequester(ctx, orders.OrderEvent{
		OrderID:  snapshot.ID,
		Kind:     kind,
		Snapshot: *snapshot,
	}, snapshot.Requester)
}
