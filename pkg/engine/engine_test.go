package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/fedbroker/fedbroker/pkg/connectors"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/stores"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

const (
	testLocalMember  = "member-a"
	testRemoteMember = "member-b"
	testCloud        = "cloud-one"
)

var testUser = orders.SystemUser{ID: "alice", MemberID: testLocalMember}

// memStore is an in-memory OrderStore. Safe under the transitioner's
// asynchronous persistence goroutines.
type memStore struct {
	mu      sync.Mutex
	saved   map[string]orders.Order
	closed  map[string]bool
	changes []*stores.StateChange
	audits  []*stores.RequestAudit
}

func newMemStore() *memStore {
	return &memStore{
		saved:  make(map[string]orders.Order),
		closed: make(map[string]bool),
	}
}

func (s *memStore) Init(context.Context) error    { return nil }
func (s *memStore) Migrate(context.Context) error { return nil }
func (s *memStore) Close() error                  { return nil }

func (s *memStore) SaveOrder(_ context.Context, order *orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[order.ID] = *order
	return nil
}

func (s *memStore) MarkClosed(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[orderID] = true
	return nil
}

func (s *memStore) RecoverActiveOrders(context.Context) ([]*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*orders.Order
	for id, o := range s.saved {
		if s.closed[id] {
			continue
		}
		order := o
		out = append(out, &order)
	}
	return out, nil
}

func (s *memStore) AppendStateChange(_ context.Context, change *stores.StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
	return nil
}

func (s *memStore) AppendRequestAudit(_ context.Context, entry *stores.RequestAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *memStore) ListStateChanges(_ context.Context, orderID string) ([]*stores.StateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*stores.StateChange
	for _, c := range s.changes {
		if c.OrderID == orderID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) isClosed(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed[orderID]
}

// fakeConnector scripts connector behavior per test. Unset funcs fail the
// test if called.
type fakeConnector struct {
	t *testing.T

	requestInstanceFn func(ctx context.Context, order *orders.Order) (string, error)
	getInstanceFn     func(ctx context.Context, order *orders.Order) (*orders.Instance, error)
	deleteInstanceFn  func(ctx context.Context, order *orders.Order) error
	stopInstanceFn    func(ctx context.Context, order *orders.Order) error

	mu          sync.Mutex
	deleteCalls int
	stopCalls   int
}

func (f *fakeConnector) RequestInstance(ctx context.Context, order *orders.Order) (string, error) {
	if f.requestInstanceFn == nil {
		f.t.Fatal("unexpected RequestInstance call")
	}
	return f.requestInstanceFn(ctx, order)
}

func (f *fakeConnector) GetInstance(ctx context.Context, order *orders.Order) (*orders.Instance, error) {
	if f.getInstanceFn == nil {
		f.t.Fatal("unexpected GetInstance call")
	}
	return f.getInstanceFn(ctx, order)
}

func (f *fakeConnector) DeleteInstance(ctx context.Context, order *orders.Order) error {
	f.mu.Lock()
	f.deleteCalls++
	f.mu.Unlock()
	if f.deleteInstanceFn == nil {
		f.t.Fatal("unexpected DeleteInstance call")
	}
	return f.deleteInstanceFn(ctx, order)
}

func (f *fakeConnector) StopInstance(ctx context.Context, order *orders.Order) error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	if f.stopInstanceFn == nil {
		f.t.Fatal("unexpected StopInstance call")
	}
	return f.stopInstanceFn(ctx, order)
}

func (f *fakeConnector) GetUserQuota(context.Context, orders.SystemUser, orders.ResourceType) (*orders.Quota, error) {
	return &orders.Quota{TotalVCPU: 8}, nil
}

func (f *fakeConnector) GetImage(context.Context, string, orders.SystemUser) (*orders.Image, error) {
	return &orders.Image{ID: "img-1"}, nil
}

func (f *fakeConnector) GetAllImages(context.Context, orders.SystemUser) ([]orders.Image, error) {
	return []orders.Image{{ID: "img-1"}}, nil
}

func (f *fakeConnector) RequestSecurityRule(context.Context, *orders.Order, orders.SecurityRule, orders.SystemUser) (string, error) {
	return "rule-1", nil
}

func (f *fakeConnector) GetSecurityRules(context.Context, *orders.Order, orders.SystemUser) ([]orders.SecurityRule, error) {
	return nil, nil
}

func (f *fakeConnector) DeleteSecurityRule(context.Context, *orders.Order, string, orders.SystemUser) error {
	return nil
}

func (f *fakeConnector) GenericRequest(context.Context, string, orders.SystemUser) (string, error) {
	return "{}", nil
}

func (f *fakeConnector) deleteCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteCalls
}

// fakeFactory hands every order the same scripted connector.
type fakeFactory struct {
	connector *fakeConnector
}

func (f *fakeFactory) For(*orders.Order) connectors.CloudConnector        { return f.connector }
func (f *fakeFactory) ForPolling(*orders.Order) connectors.CloudConnector { return f.connector }
func (f *fakeFactory) ForMember(string, string) connectors.CloudConnector { return f.connector }

func telemetryMetricsForTest() *telemetry.Metrics {
	return telemetry.NewMetrics(telemetry.MetricsConfig{})
}

type harness struct {
	registry     *orders.Registry
	store        *memStore
	transitioner *Transitioner
	connector    *fakeConnector
	executor     *executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry := orders.NewRegistry()
	store := newMemStore()
	logger := telemetry.NopLogger()
	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{})
	transitioner := NewTransitioner(registry, store, nil, testLocalMember, logger, metrics)
	connector := &fakeConnector{t: t}

	return &harness{
		registry:     registry,
		store:        store,
		transitioner: transitioner,
		connector:    connector,
		executor: &executor{
			registry:      registry,
			transitioner:  transitioner,
			factory:       &fakeFactory{connector: connector},
			localMemberID: testLocalMember,
			logger:        logger,
			failures:      newFailureCounter(),
			threshold:     5,
		},
	}
}

// activate registers a compute order in the OPEN queue.
func (h *harness) activate(t *testing.T, provider string) *orders.Order {
	t.Helper()
	order := orders.NewOrder(orders.ResourceCompute)
	order.Compute = &orders.ComputeSpec{VCPU: 1, RAMMB: 1024, ImageID: "img-1"}
	order.Requester = testLocalMember
	order.Provider = provider
	order.CloudName = testCloud
	order.SystemUser = testUser
	if err := h.transitioner.Activate(context.Background(), order); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	return order
}

// requireState asserts the order's state and its queue membership, which must
// always agree.
func (h *harness) requireState(t *testing.T, order *orders.Order, want orders.State) {
	t.Helper()
	order.Lock()
	got := order.State
	order.Unlock()
	if got != want {
		t.Fatalf("order state = %s, want %s", got, want)
	}
	if !h.registry.Queue(want).Contains(order) {
		t.Fatalf("order not in %s queue", want)
	}
}
