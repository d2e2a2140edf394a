package orders

import (
	"testing"
)

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	order := NewOrder(ResourceCompute)
	order.Compute = &ComputeSpec{VCPU: 1, RAMMB: 1024, ImageID: "img-1"}
	return order
}

func TestStateQueueRoundRobin(t *testing.T) {
	q := NewStateQueue()
	a := newTestOrder(t)
	b := newTestOrder(t)
	c := newTestOrder(t)
	q.Append(a)
	q.Append(b)
	q.Append(c)

	for i, want := range []*Order{a, b, c} {
		if got := q.Next(); got != want {
			t.Fatalf("Next() call %d returned %v, want %v", i, got, want)
		}
	}
	if got := q.Next(); got != nil {
		t.Fatalf("Next() after exhaustion returned %v, want nil", got)
	}

	q.ResetPointer()
	if got := q.Next(); got != a {
		t.Fatalf("Next() after ResetPointer returned %v, want head", got)
	}
}

func TestStateQueueRemove(t *testing.T) {
	tests := []struct {
		name       string
		handedOut  int // Next() calls before the removal
		removeIdx  int
		wantAfter  []int // indices expected from subsequent Next() calls
		wantResult bool
	}{
		{name: "remove ahead of cursor", handedOut: 0, removeIdx: 1, wantAfter: []int{0, 2}, wantResult: true},
		{name: "remove behind cursor", handedOut: 2, removeIdx: 0, wantAfter: []int{2}, wantResult: true},
		{name: "remove at cursor", handedOut: 1, removeIdx: 1, wantAfter: []int{2}, wantResult: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewStateQueue()
			items := []*Order{newTestOrder(t), newTestOrder(t), newTestOrder(t)}
			for _, o := range items {
				q.Append(o)
			}
			for i := 0; i < tt.handedOut; i++ {
				q.Next()
			}

			if got := q.Remove(items[tt.removeIdx]); got != tt.wantResult {
				t.Fatalf("Remove() = %v, want %v", got, tt.wantResult)
			}
			for _, wantIdx := range tt.wantAfter {
				if got := q.Next(); got != items[wantIdx] {
					t.Fatalf("Next() returned wrong order after removal, want item %d", wantIdx)
				}
			}
			if got := q.Next(); got != nil {
				t.Fatalf("queue not exhausted after expected elements")
			}
		})
	}
}

func TestStateQueueRemoveMissing(t *testing.T) {
	q := NewStateQueue()
	q.Append(newTestOrder(t))
	if q.Remove(newTestOrder(t)) {
		t.Fatal("Remove() of an order never queued returned true")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestRegistryQueuePerState(t *testing.T) {
	r := NewRegistry()
	for _, s := range States {
		if r.Queue(s) == nil {
			t.Fatalf("Queue(%s) = nil", s)
		}
	}
	if r.Queue(State("BOGUS")) != nil {
		t.Fatal("Queue() for unknown state should be nil")
	}
}

func TestRegistryInsertGetRemove(t *testing.T) {
	r := NewRegistry()
	order := newTestOrder(t)

	if err := r.Insert(order); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if err := r.Insert(order); !IsInvalidParameter(err) {
		t.Fatalf("duplicate Insert() error = %v, want invalid parameter", err)
	}

	got, err := r.Get(order.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != order {
		t.Fatal("Get() returned a different order")
	}

	r.Remove(order.ID)
	if _, err := r.Get(order.ID); !IsNotFound(err) {
		t.Fatalf("Get() after Remove() error = %v, want not found", err)
	}
	if r.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", r.Size())
	}
}
