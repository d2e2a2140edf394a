// Package orders defines the order data model, the typed error taxonomy and
// the process-wide order registry with its per-state queues. An order is the
// persistent unit of work of the broker: one requested cloud resource and its
// lifecycle record, from activation until it is removed from the registry.
package orders
