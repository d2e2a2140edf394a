package federation

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fedbroker/fedbroker/pkg/clouds"
	"github.com/fedbroker/fedbroker/pkg/clouds/emulated"
	"github.com/fedbroker/fedbroker/pkg/connectors"
	"github.com/fedbroker/fedbroker/pkg/engine"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/policy"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

const federatedCloud = "cloud-one"

// member is one complete broker wired for the two-member scenarios: emulated
// cloud, running processors, protocol server and client. Only persistence is
// stubbed out.
type member struct {
	id         string
	url        string
	registry   *orders.Registry
	controller *engine.Controller
	peers      map[string]string
}

func startMember(t *testing.T, id string) *member {
	t.Helper()
	ctx := context.Background()
	logger := telemetry.NopLogger()
	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{})
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "test", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer() error: %v", err)
	}

	plugins := clouds.NewRegistry()
	if err := plugins.Register(federatedCloud, emulated.New(emulated.Config{
		SpawnAfterPolls: 1,
		QuotaPerUser:    emulated.DefaultConfig().QuotaPerUser,
	})); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	// The peers map is shared with the client and filled in by connect once
	// both members have a listener.
	peers := make(map[string]string)
	client := NewClient(id, peers, 2*time.Second, logger)

	registry := orders.NewRegistry()
	transitioner := engine.NewTransitioner(registry, nopStore{}, nil, id, logger, metrics)
	factory := connectors.NewFactory(id, federatedCloud, plugins, nopStore{}, client, logger, metrics, tracer)

	authorizer, err := policy.NewEngine(ctx, "", id, logger)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	controller := engine.NewController(registry, transitioner, factory, authorizer,
		id, federatedCloud, plugins.Names(), logger, tracer)
	facade := NewRemoteFacade(registry, controller, transitioner, id, logger, metrics)
	transitioner.SetNotifier(NewNotifier(client, 3, 10*time.Millisecond, logger, metrics))

	processors := engine.NewProcessorSet(engine.ProcessorConfig{
		OpenInterval:             10 * time.Millisecond,
		SpawningInterval:         10 * time.Millisecond,
		StoppingInterval:         10 * time.Millisecond,
		FulfilledInterval:        10 * time.Millisecond,
		ClosedInterval:           10 * time.Millisecond,
		SpawningFailureThreshold: 5,
	}, registry, transitioner, factory, id, logger, metrics)
	processors.Start()
	t.Cleanup(processors.Stop)

	srv := httptest.NewServer(NewServer(":0", facade, logger).http.Handler)
	t.Cleanup(srv.Close)

	return &member{
		id:         id,
		url:        srv.URL,
		registry:   registry,
		controller: controller,
		peers:      peers,
	}
}

// startConnectedPair starts a requester and a provider that know each other's
// addresses.
func startConnectedPair(t *testing.T) (*member, *member) {
	t.Helper()
	a := startMember(t, requesterMember)
	b := startMember(t, providerMember)
	a.peers[b.id] = b.url
	b.peers[a.id] = a.url
	return a, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func inState(order *orders.Order, want orders.State) bool {
	order.Lock()
	defer order.Unlock()
	return order.State == want
}

func TestFederatedOrderLifecycle(t *testing.T) {
	requester, provider := startConnectedPair(t)

	user := orders.SystemUser{ID: "alice", MemberID: requester.id}
	order := orders.NewOrder(orders.ResourceCompute)
	order.Compute = &orders.ComputeSpec{Name: "vm-1", VCPU: 2, RAMMB: 2048, ImageID: "emulated-ubuntu-24.04"}
	order.Provider = provider.id

	if err := requester.controller.Activate(context.Background(), order, user); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}

	// The requester dispatches to the provider, the provider fulfills and
	// pushes the settlement event back.
	waitFor(t, "requester copy to fulfill", func() bool {
		return inState(order, orders.StateFulfilled)
	})

	order.Lock()
	if order.CachedInstanceState != string(orders.InstanceReady) {
		t.Fatalf("cached instance state = %q, want READY", order.CachedInstanceState)
	}
	if order.ActualAllocation == nil || order.ActualAllocation.VCPU != 2 {
		t.Fatalf("allocation not copied from the provider: %+v", order.ActualAllocation)
	}
	if order.InstanceID != "" {
		t.Fatalf("instance id leaked to the requester: %q", order.InstanceID)
	}
	order.Unlock()

	// The provider's copy shares the id and holds the instance id.
	providerCopy, err := provider.registry.Get(order.ID)
	if err != nil {
		t.Fatalf("provider lost its copy: %v", err)
	}
	providerCopy.Lock()
	if providerCopy.State != orders.StateFulfilled {
		t.Fatalf("provider copy state = %s, want FULFILLED", providerCopy.State)
	}
	if providerCopy.InstanceID == "" {
		t.Fatal("provider copy has no instance id")
	}
	providerCopy.Unlock()

	// The requester serves the instance from its cache.
	instance, err := requester.controller.GetInstance(context.Background(), order.ID, user)
	if err != nil {
		t.Fatalf("GetInstance() error: %v", err)
	}
	if instance.State != orders.InstanceReady {
		t.Fatalf("instance state = %s, want READY", instance.State)
	}

	// Deleting at the requester cascades to the provider and both copies
	// eventually retire.
	if err := requester.controller.Delete(context.Background(), order.ID, user); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	waitFor(t, "both copies to retire", func() bool {
		_, errA := requester.registry.Get(order.ID)
		_, errB := provider.registry.Get(order.ID)
		return orders.IsNotFound(errA) && orders.IsNotFound(errB)
	})
}

func TestFederatedOrderFailureStaysPending(t *testing.T) {
	requester, provider := startConnectedPair(t)

	user := orders.SystemUser{ID: "alice", MemberID: requester.id}
	order := orders.NewOrder(orders.ResourceCompute)
	// Far beyond the emulated per-user quota.
	order.Compute = &orders.ComputeSpec{VCPU: 10000, RAMMB: 1024, ImageID: "emulated-ubuntu-24.04"}
	order.Provider = provider.id

	if err := requester.controller.Activate(context.Background(), order, user); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}

	// The provider accepts the order before provisioning, so the requester
	// parks in PENDING. The dispatch then fails before any instance exists,
	// no settlement event is pushed, and the requester copy stays PENDING.
	waitFor(t, "requester copy to park in PENDING", func() bool {
		return inState(order, orders.StatePending)
	})
	waitFor(t, "provider copy to fail", func() bool {
		copy, err := provider.registry.Get(order.ID)
		if err != nil {
			return false
		}
		return inState(copy, orders.StateFailed)
	})
	if !inState(order, orders.StatePending) {
		t.Fatal("requester copy left PENDING without a settlement event")
	}
}

func TestFederatedStop(t *testing.T) {
	requester, provider := startConnectedPair(t)

	user := orders.SystemUser{ID: "alice", MemberID: requester.id}
	order := orders.NewOrder(orders.ResourceCompute)
	order.Compute = &orders.ComputeSpec{VCPU: 1, RAMMB: 1024, ImageID: "emulated-ubuntu-24.04"}
	order.Provider = provider.id

	if err := requester.controller.Activate(context.Background(), order, user); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	waitFor(t, "requester copy to fulfill", func() bool {
		return inState(order, orders.StateFulfilled)
	})

	if err := requester.controller.Stop(context.Background(), order.ID, user); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	// The requester marks its copy stopped once the provider accepts; the
	// provider's stopping processor drives its copy to STOPPED.
	if !inState(order, orders.StateStopped) {
		t.Fatal("requester copy did not settle in STOPPED")
	}
	waitFor(t, "provider copy to stop", func() bool {
		copy, err := provider.registry.Get(order.ID)
		if err != nil {
			return false
		}
		return inState(copy, orders.StateStopped)
	})
}
