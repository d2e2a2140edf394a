package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fedbroker/fedbroker/pkg/orders"
)

func TestProcessOpenLocal(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	h.connector.requestInstanceFn = func(_ context.Context, _ *orders.Order) (string, error) {
		return "inst-1", nil
	}

	if err := h.executor.processOpen(context.Background(), order); err != nil {
		t.Fatalf("processOpen() error: %v", err)
	}

	h.requireState(t, order, orders.StateSpawning)
	if order.InstanceID != "inst-1" {
		t.Fatalf("instance id = %q, want inst-1", order.InstanceID)
	}
	if !order.Dispatched {
		t.Fatal("order not marked dispatched")
	}
}

func TestProcessOpenRemote(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testRemoteMember)
	h.connector.requestInstanceFn = func(_ context.Context, _ *orders.Order) (string, error) {
		return "", nil
	}

	if err := h.executor.processOpen(context.Background(), order); err != nil {
		t.Fatalf("processOpen() error: %v", err)
	}

	h.requireState(t, order, orders.StatePending)
	if order.InstanceID != "" {
		t.Fatalf("remote order must not carry an instance id, got %q", order.InstanceID)
	}
}

func TestProcessOpenRequestFails(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	h.connector.requestInstanceFn = func(_ context.Context, _ *orders.Order) (string, error) {
		return "", orders.NewNoAvailableResourcesError("quota exhausted", nil)
	}

	err := h.executor.processOpen(context.Background(), order)
	if !orders.IsNoAvailableResources(err) {
		t.Fatalf("processOpen() error = %v, want the connector error", err)
	}

	h.requireState(t, order, orders.StateFailed)
	if order.Dispatched {
		t.Fatal("failed dispatch must not mark the order dispatched")
	}
	if order.OnceFaultMessage == "" {
		t.Fatal("fault message not recorded")
	}
}

func TestProcessOpenSkipsDeletedOrder(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)

	// A delete won the race before the processor got the lock.
	order.Lock()
	if err := h.transitioner.Transition(context.Background(), order, orders.StateClosed); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	order.Unlock()

	if err := h.executor.processOpen(context.Background(), order); err != nil {
		t.Fatalf("processOpen() on closed order error: %v", err)
	}
	h.requireState(t, order, orders.StateClosed)
}

// spawn moves a freshly activated local order into SPAWNING.
func spawn(t *testing.T, h *harness, order *orders.Order) {
	t.Helper()
	h.connector.requestInstanceFn = func(_ context.Context, _ *orders.Order) (string, error) {
		return "inst-1", nil
	}
	if err := h.executor.processOpen(context.Background(), order); err != nil {
		t.Fatalf("processOpen() error: %v", err)
	}
}

func TestProcessSpawningBecomesFulfilled(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)

	alloc := &orders.ComputeAllocation{VCPU: 1, RAMMB: 1024, Instances: 1}
	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return &orders.Instance{ID: "inst-1", State: orders.InstanceReady, Allocation: alloc}, nil
	}

	if err := h.executor.processSpawning(context.Background(), order); err != nil {
		t.Fatalf("processSpawning() error: %v", err)
	}

	h.requireState(t, order, orders.StateFulfilled)
	if order.CachedInstanceState != string(orders.InstanceReady) {
		t.Fatalf("cached instance state = %q, want READY", order.CachedInstanceState)
	}
	if order.ActualAllocation == nil || order.ActualAllocation.VCPU != 1 {
		t.Fatalf("actual allocation not recorded: %+v", order.ActualAllocation)
	}
}

func TestProcessSpawningStillSpawning(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)

	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return &orders.Instance{ID: "inst-1", State: orders.InstanceSpawning}, nil
	}

	if err := h.executor.processSpawning(context.Background(), order); err != nil {
		t.Fatalf("processSpawning() error: %v", err)
	}
	h.requireState(t, order, orders.StateSpawning)
}

func TestProcessSpawningInstanceFailed(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)

	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return &orders.Instance{ID: "inst-1", State: orders.InstanceFailed, FaultMsg: "no valid host"}, nil
	}

	if err := h.executor.processSpawning(context.Background(), order); err != nil {
		t.Fatalf("processSpawning() error: %v", err)
	}

	h.requireState(t, order, orders.StateFailedAfterSuccessfulRequest)
	if order.OnceFaultMessage != "no valid host" {
		t.Fatalf("fault message = %q, want the backend's", order.OnceFaultMessage)
	}
}

func TestProcessSpawningRecoversBelowThreshold(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)

	polls := 0
	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		polls++
		if polls <= 4 {
			return nil, errors.New("transient backend error")
		}
		return &orders.Instance{ID: "inst-1", State: orders.InstanceReady}, nil
	}

	// Four failures stay under the threshold of five, and the successful
	// fifth poll fulfills the order.
	for i := 0; i < 4; i++ {
		if err := h.executor.processSpawning(context.Background(), order); err != nil {
			t.Fatalf("poll %d: unexpected error %v", i+1, err)
		}
		h.requireState(t, order, orders.StateSpawning)
	}
	if err := h.executor.processSpawning(context.Background(), order); err != nil {
		t.Fatalf("final poll error: %v", err)
	}
	h.requireState(t, order, orders.StateFulfilled)
}

func TestProcessSpawningGivesUpAtThreshold(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)

	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return nil, errors.New("transient backend error")
	}

	for i := 0; i < 4; i++ {
		if err := h.executor.processSpawning(context.Background(), order); err != nil {
			t.Fatalf("poll %d: unexpected error %v", i+1, err)
		}
	}
	err := h.executor.processSpawning(context.Background(), order)
	if err == nil {
		t.Fatal("fifth consecutive failure should surface the poll error")
	}

	h.requireState(t, order, orders.StateFailedAfterSuccessfulRequest)
	if order.OnceFaultMessage != "transient backend error" {
		t.Fatalf("fault message = %q, want the last poll error", order.OnceFaultMessage)
	}
}

func TestProcessSpawningConnectivityEscalates(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)

	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return nil, orders.NewUnavailableError("backend unreachable", nil)
	}

	err := h.executor.processSpawning(context.Background(), order)
	if !orders.IsUnavailable(err) {
		t.Fatalf("processSpawning() error = %v, want unavailable", err)
	}
	// One connectivity error bypasses the failure counter entirely.
	h.requireState(t, order, orders.StateUnableToCheckStatus)
}

func TestProcessStopping(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)
	order.Lock()
	if err := h.transitioner.Transition(context.Background(), order, orders.StateStopping); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	order.Unlock()

	state := orders.InstanceBusy
	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return &orders.Instance{ID: "inst-1", State: state}, nil
	}

	if err := h.executor.processStopping(context.Background(), order); err != nil {
		t.Fatalf("processStopping() error: %v", err)
	}
	h.requireState(t, order, orders.StateStopping)

	state = orders.InstanceStopped
	if err := h.executor.processStopping(context.Background(), order); err != nil {
		t.Fatalf("processStopping() error: %v", err)
	}
	h.requireState(t, order, orders.StateStopped)
}

func TestProcessFulfilledDemotesOnFailure(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)
	order.Lock()
	if err := h.transitioner.Transition(context.Background(), order, orders.StateFulfilled); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	order.Unlock()

	tests := []struct {
		name      string
		instance  *orders.Instance
		err       error
		wantState orders.State
	}{
		{
			name:      "healthy stays fulfilled",
			instance:  &orders.Instance{ID: "inst-1", State: orders.InstanceReady},
			wantState: orders.StateFulfilled,
		},
		{
			name:      "unreachable parks the order",
			err:       orders.NewUnavailableError("backend unreachable", nil),
			wantState: orders.StateUnableToCheckStatus,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
				return tt.instance, tt.err
			}
			if err := h.executor.processFulfilled(context.Background(), order); err != nil {
				t.Fatalf("processFulfilled() error: %v", err)
			}
			h.requireState(t, order, tt.wantState)
		})
	}
}

func TestProcessFulfilledInstanceVanished(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)
	order.Lock()
	if err := h.transitioner.Transition(context.Background(), order, orders.StateFulfilled); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	order.Unlock()

	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return nil, orders.NewNotFoundError("instance gone", nil)
	}

	if err := h.executor.processFulfilled(context.Background(), order); err != nil {
		t.Fatalf("processFulfilled() error: %v", err)
	}
	h.requireState(t, order, orders.StateFailed)
}

func TestProcessUncheckedRestoresFulfilled(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)
	order.Lock()
	if err := h.transitioner.Transition(context.Background(), order, orders.StateUnableToCheckStatus); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	order.Unlock()

	// Still unreachable: the order stays parked.
	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return nil, orders.NewUnavailableError("backend unreachable", nil)
	}
	if err := h.executor.processUnchecked(context.Background(), order); err != nil {
		t.Fatalf("processUnchecked() error: %v", err)
	}
	h.requireState(t, order, orders.StateUnableToCheckStatus)

	// Connectivity returns and the instance is fine.
	h.connector.getInstanceFn = func(_ context.Context, _ *orders.Order) (*orders.Instance, error) {
		return &orders.Instance{ID: "inst-1", State: orders.InstanceReady}, nil
	}
	if err := h.executor.processUnchecked(context.Background(), order); err != nil {
		t.Fatalf("processUnchecked() error: %v", err)
	}
	h.requireState(t, order, orders.StateFulfilled)
}

func TestProcessClosedBeforeDispatchSkipsBackend(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)

	order.Lock()
	if err := h.transitioner.Transition(context.Background(), order, orders.StateClosed); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	order.Unlock()

	// deleteInstanceFn stays nil: any backend call fails the test.
	if err := h.executor.processClosed(context.Background(), order); err != nil {
		t.Fatalf("processClosed() error: %v", err)
	}

	if _, err := h.registry.Get(order.ID); !orders.IsNotFound(err) {
		t.Fatalf("order still in registry after deactivation: %v", err)
	}
	if !h.store.isClosed(order.ID) {
		t.Fatal("order not marked closed in the store")
	}
}

func TestProcessClosedDeletesDispatchedInstance(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)

	order.Lock()
	if err := h.transitioner.Transition(context.Background(), order, orders.StateClosed); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	order.Unlock()

	h.connector.deleteInstanceFn = func(_ context.Context, _ *orders.Order) error { return nil }
	if err := h.executor.processClosed(context.Background(), order); err != nil {
		t.Fatalf("processClosed() error: %v", err)
	}

	if got := h.connector.deleteCallCount(); got != 1 {
		t.Fatalf("DeleteInstance called %d times, want 1", got)
	}
	if _, err := h.registry.Get(order.ID); !orders.IsNotFound(err) {
		t.Fatal("order still in registry after deactivation")
	}
}

func TestProcessClosedRetriesOnDeleteError(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testLocalMember)
	spawn(t, h, order)

	order.Lock()
	if err := h.transitioner.Transition(context.Background(), order, orders.StateClosed); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	order.Unlock()

	h.connector.deleteInstanceFn = func(_ context.Context, _ *orders.Order) error {
		return orders.NewUnavailableError("backend unreachable", nil)
	}
	if err := h.executor.processClosed(context.Background(), order); err == nil {
		t.Fatal("processClosed() should surface the delete error")
	}
	// Still queued for the next pass.
	h.requireState(t, order, orders.StateClosed)

	// Already-gone counts as deleted.
	h.connector.deleteInstanceFn = func(_ context.Context, _ *orders.Order) error {
		return orders.NewNotFoundError("instance gone", nil)
	}
	if err := h.executor.processClosed(context.Background(), order); err != nil {
		t.Fatalf("processClosed() error: %v", err)
	}
	if _, err := h.registry.Get(order.ID); !orders.IsNotFound(err) {
		t.Fatal("order still in registry after deactivation")
	}
}

func TestProcessSpawningIgnoresRemoteOrder(t *testing.T) {
	h := newHarness(t)
	order := h.activate(t, testRemoteMember)
	h.connector.requestInstanceFn = func(_ context.Context, _ *orders.Order) (string, error) {
		return "", nil
	}
	if err := h.executor.processOpen(context.Background(), order); err != nil {
		t.Fatalf("processOpen() error: %v", err)
	}
	h.requireState(t, order, orders.StatePending)

	// getInstanceFn stays nil: the spawning handler must never poll a
	// remotely provided order.
	if err := h.executor.processSpawning(context.Background(), order); err != nil {
		t.Fatalf("processSpawning() error: %v", err)
	}
	h.requireState(t, order, orders.StatePending)
}

func TestProcessorLoopDrainsQueue(t *testing.T) {
	h := newHarness(t)
	metrics := telemetryMetricsForTest()

	var mu sync.Mutex
	seen := make(map[string]int)
	p := newProcessor("test-processor", h.registry.Queue(orders.StateOpen), 5*time.Millisecond,
		func(_ context.Context, order *orders.Order) error {
			mu.Lock()
			seen[order.ID]++
			mu.Unlock()

			order.Lock()
			defer order.Unlock()
			return h.transitioner.Transition(context.Background(), order, orders.StateSpawning)
		}, h.executor.logger, metrics)

	a := h.activate(t, testLocalMember)
	b := h.activate(t, testLocalMember)

	p.Start()
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := seen[a.ID] == 1 && seen[b.ID] == 1
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("processor did not drain the queue in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.requireState(t, a, orders.StateSpawning)
	h.requireState(t, b, orders.StateSpawning)
}

func TestProcessorRecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	metrics := telemetryMetricsForTest()

	var mu sync.Mutex
	calls := 0
	p := newProcessor("panicky", h.registry.Queue(orders.StateOpen), 5*time.Millisecond,
		func(_ context.Context, order *orders.Order) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				panic("handler bug")
			}
			order.Lock()
			defer order.Unlock()
			return h.transitioner.Transition(context.Background(), order, orders.StateSpawning)
		}, h.executor.logger, metrics)

	order := h.activate(t, testLocalMember)

	p.Start()
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		order.Lock()
		state := order.State
		order.Unlock()
		if state == orders.StateSpawning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("processor did not survive the panic")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
