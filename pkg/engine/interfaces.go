package engine

import (
	"context"

	"github.com/fedbroker/fedbroker/pkg/connectors"
	"github.com/fedbroker/fedbroker/pkg/orders"
)

// ConnectorFactory resolves the connector serving an order. Satisfied by
// connectors.Factory; narrowed to an interface so tests can inject fakes.
type ConnectorFactory interface {
	For(order *orders.Order) connectors.CloudConnector
	ForPolling(order *orders.Order) connectors.CloudConnector
	ForMember(memberID, cloudName string) connectors.CloudConnector
}

// EventNotifier pushes order events to the requesting member when the local
// member, acting as provider, settles a remotely requested order. Delivery
// is at-least-once and asynchronous; the requester discards duplicates.
type EventNotifier interface {
	NotifyRequester(ctx context.Context, event orders.OrderEvent, requester string)
}
