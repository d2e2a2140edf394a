package orders

import (
	"fmt"
	"sync"
)

// StateQueue is a thread-safe, circularly-traversable list of orders bound to
// one lifecycle state. Processors drain it round-robin: Next returns the
// element after the last one returned and nil once the pass is exhausted;
// ResetPointer rewinds for the next pass. Structural mutation is synchronized
// internally, independently of the per-order locks.
type StateQueue struct {
	mu     sync.Mutex
	items  []*Order
	cursor int
}

// NewStateQueue creates an empty queue.
func NewStateQueue() *StateQueue {
	return &StateQueue{}
}

// Append adds an order to the tail of the queue.
func (q *StateQueue) Append(order *Order) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, order)
}

// Remove deletes the order from the queue, keeping relative order of the
// remaining elements. Removing an element already handed out this pass does
// not disturb the cursor for the elements still ahead of it.
func (q *StateQueue) Remove(order *Order) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, o := range q.items {
		if o == order {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if i < q.cursor {
				q.cursor--
			}
			return true
		}
	}
	return false
}

// Next returns the next order of the current pass, or nil when the pass is
// exhausted. Safe under concurrent callers.
func (q *StateQueue) Next() *Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor >= len(q.items) {
		return nil
	}
	order := q.items[q.cursor]
	q.cursor++
	return order
}

// ResetPointer rewinds the traversal cursor to the head of the queue.
func (q *StateQueue) ResetPointer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cursor = 0
}

// Len returns the number of queued orders.
func (q *StateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Contains reports whether the order is currently queued.
func (q *StateQueue) Contains(order *Order) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range q.items {
		if o == order {
			return true
		}
	}
	return false
}

// Registry is the process-wide table of active orders plus one queue per
// lifecycle state. Orders are inserted and moved between queues by the engine
// transitioner only; the registry performs no business logic.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Order
	queues map[State]*StateQueue
}

// NewRegistry creates a registry with one empty queue per lifecycle state.
func NewRegistry() *Registry {
	queues := make(map[State]*StateQueue, len(States))
	for _, s := range States {
		queues[s] = NewStateQueue()
	}
	return &Registry{
		byID:   make(map[string]*Order),
		queues: queues,
	}
}

// Queue returns the queue bound to the given state.
func (r *Registry) Queue(state State) *StateQueue {
	return r.queues[state]
}

// Get returns the active order with the given id.
func (r *Registry) Get(id string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.byID[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("order %s not found", id), nil).WithOrder(id)
	}
	return order, nil
}

// Insert registers a new order. It fails when the id is already taken; ids
// are globally unique.
func (r *Registry) Insert(order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[order.ID]; ok {
		return NewInvalidParameterError(fmt.Sprintf("order %s already registered", order.ID), nil).WithOrder(order.ID)
	}
	r.byID[order.ID] = order
	return nil
}

// Remove destroys the order's registry entry. The caller is responsible for
// having already detached the order from its state queue.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// ActiveOrders returns a snapshot of all registered orders.
func (r *Registry) ActiveOrders() []*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Order, 0, len(r.byID))
	for _, o := range r.byID {
		out = append(out, o)
	}
	return out
}

// Size returns the number of active orders.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
