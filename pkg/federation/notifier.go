package federation

import (
	"context"
	"time"

	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// Notifier pushes order events to requesting members asynchronously with
// bounded retries. Delivery is at-least-once: the requester discards
// duplicates, and an undeliverable event is dropped after the retries since
// the requester reconciles its view against the provider on recovery.
type Notifier struct {
	client     *Client
	retries    int
	retryDelay time.Duration
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// NewNotifier creates the event notifier.
func NewNotifier(client *Client, retries int, retryDelay time.Duration, logger *telemetry.Logger, metrics *telemetry.Metrics) *Notifier {
	return &Notifier{
		client:     client,
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger.NewComponentLogger("event-notifier"),
		metrics:    metrics,
	}
}

// NotifyRequester ships the event in the background. The caller's context
// carries only trace baggage; delivery outlives the triggering transition.
func (n *Notifier) NotifyRequester(ctx context.Context, event orders.OrderEvent, requester string) {
	ctx = context.WithoutCancel(ctx)
	go n.deliver(ctx, event, requester)
}

func (n *Notifier) deliver(ctx context.Context, event orders.OrderEvent, requester string) {
	var err error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(n.retryDelay)
		}
		err = n.client.SendOrderEvent(ctx, requester, event)
		n.metrics.RecordEventSent(string(event.Kind), err)
		if err == nil {
			n.logger.WithOrder(event.OrderID).WithMember(requester).
				WithField("kind", event.Kind).
				Debug("order event delivered")
			return
		}
		n.logger.WithOrder(event.OrderID).WithMember(requester).WithError(err).
			WithField("attempt", attempt+1).
			Warn("failed to deliver order event")
	}
	n.logger.WithOrder(event.OrderID).WithMember(requester).WithError(err).
		Error("giving up on order event delivery")
}
