package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fedbroker/fedbroker/pkg/clouds"
	"github.com/fedbroker/fedbroker/pkg/clouds/emulated"
	"github.com/fedbroker/fedbroker/pkg/connectors"
	"github.com/fedbroker/fedbroker/pkg/engine"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/policy"
	"github.com/fedbroker/fedbroker/pkg/stores"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

const (
	testMember = "member-a"
	testCloud  = "cloud-one"
)

// newTestServer wires a full single-member broker: emulated cloud, SQLite
// store, running processors, HTTP API. Only the federation is absent.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	logger := telemetry.NopLogger()
	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{})
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "test", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer() error: %v", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "orders.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	plugins := clouds.NewRegistry()
	if err := plugins.Register(testCloud, emulated.New(emulated.Config{
		SpawnAfterPolls: 1,
		QuotaPerUser:    emulated.DefaultConfig().QuotaPerUser,
	})); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	registry := orders.NewRegistry()
	transitioner := engine.NewTransitioner(registry, store, nil, testMember, logger, metrics)
	factory := connectors.NewFactory(testMember, testCloud, plugins, store, nil, logger, metrics, tracer)
	controller := engine.NewController(registry, transitioner, factory, policy.AllowAll{},
		testMember, testCloud, plugins.Names(), logger, tracer)

	processors := engine.NewProcessorSet(engine.ProcessorConfig{
		OpenInterval:             10 * time.Millisecond,
		SpawningInterval:         10 * time.Millisecond,
		StoppingInterval:         10 * time.Millisecond,
		FulfilledInterval:        10 * time.Millisecond,
		ClosedInterval:           10 * time.Millisecond,
		SpawningFailureThreshold: 5,
	}, registry, transitioner, factory, testMember, logger, metrics)
	processors.Start()
	t.Cleanup(processors.Stop)

	server := NewServer(":0", controller, testMember, metrics.Handler(), logger)
	ts := httptest.NewServer(server.http.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-User-Id", "alice")
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response of %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// waitForOrderState polls the API until the order reports the wanted state.
func waitForOrderState(t *testing.T, ts *httptest.Server, orderID string, want orders.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		var order orders.Order
		status := doRequest(t, ts, http.MethodGet, "/v1/orders/"+orderID, nil, &order)
		if status == http.StatusOK && order.State == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("order %s never reached %s (last status %d, state %s)", orderID, want, status, order.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOrderLifecycleOverAPI(t *testing.T) {
	ts := newTestServer(t)

	var created CreateOrderResponse
	status := doRequest(t, ts, http.MethodPost, "/v1/orders", &CreateOrderRequest{
		Type:    orders.ResourceCompute,
		Compute: &orders.ComputeSpec{Name: "vm-1", VCPU: 2, RAMMB: 2048, ImageID: "emulated-ubuntu-24.04"},
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create order status = %d, want 201", status)
	}
	if created.ID == "" {
		t.Fatal("create order returned no id")
	}

	// The open and spawning processors drive the order to FULFILLED.
	waitForOrderState(t, ts, created.ID, orders.StateFulfilled)

	var instance orders.Instance
	status = doRequest(t, ts, http.MethodGet, "/v1/orders/"+created.ID+"/instance", nil, &instance)
	if status != http.StatusOK {
		t.Fatalf("get instance status = %d, want 200", status)
	}
	if instance.State != orders.InstanceReady {
		t.Fatalf("instance state = %s, want READY", instance.State)
	}
	if instance.Allocation == nil || instance.Allocation.VCPU != 2 {
		t.Fatalf("instance allocation = %+v", instance.Allocation)
	}

	var allocation orders.ComputeAllocation
	status = doRequest(t, ts, http.MethodGet, "/v1/allocation", nil, &allocation)
	if status != http.StatusOK {
		t.Fatalf("get allocation status = %d, want 200", status)
	}
	if allocation.VCPU != 2 || allocation.Instances != 1 {
		t.Fatalf("allocation = %+v", allocation)
	}

	status = doRequest(t, ts, http.MethodDelete, "/v1/orders/"+created.ID, nil, nil)
	if status != http.StatusAccepted {
		t.Fatalf("delete order status = %d, want 202", status)
	}

	// The closed processor deletes the instance and retires the order.
	deadline := time.After(5 * time.Second)
	for {
		status = doRequest(t, ts, http.MethodGet, "/v1/orders/"+created.ID, nil, nil)
		if status == http.StatusNotFound {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("order never left the registry, last status %d", status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopOverAPI(t *testing.T) {
	ts := newTestServer(t)

	var created CreateOrderResponse
	doRequest(t, ts, http.MethodPost, "/v1/orders", &CreateOrderRequest{
		Type:    orders.ResourceCompute,
		Compute: &orders.ComputeSpec{VCPU: 1, RAMMB: 1024, ImageID: "emulated-ubuntu-24.04"},
	}, &created)
	waitForOrderState(t, ts, created.ID, orders.StateFulfilled)

	status := doRequest(t, ts, http.MethodPost, "/v1/orders/"+created.ID+"/stop", nil, nil)
	if status != http.StatusAccepted {
		t.Fatalf("stop order status = %d, want 202", status)
	}
	waitForOrderState(t, ts, created.ID, orders.StateStopped)
}

func TestSecurityRulesOverAPI(t *testing.T) {
	ts := newTestServer(t)

	var created CreateOrderResponse
	doRequest(t, ts, http.MethodPost, "/v1/orders", &CreateOrderRequest{
		Type:    orders.ResourceNetwork,
		Network: &orders.NetworkSpec{CIDR: "10.20.0.0/24"},
	}, &created)
	waitForOrderState(t, ts, created.ID, orders.StateFulfilled)

	var ruleResp map[string]string
	status := doRequest(t, ts, http.MethodPost, "/v1/orders/"+created.ID+"/securityrules", &orders.SecurityRule{
		Direction: orders.DirectionIngress,
		Protocol:  "tcp",
		CIDR:      "0.0.0.0/0",
		PortFrom:  443,
		PortTo:    443,
	}, &ruleResp)
	if status != http.StatusCreated {
		t.Fatalf("create rule status = %d, want 201", status)
	}
	ruleID := ruleResp["rule_id"]
	if ruleID == "" {
		t.Fatal("create rule returned no id")
	}

	var rules []orders.SecurityRule
	status = doRequest(t, ts, http.MethodGet, "/v1/orders/"+created.ID+"/securityrules", nil, &rules)
	if status != http.StatusOK || len(rules) != 1 {
		t.Fatalf("list rules status = %d, rules = %v", status, rules)
	}

	status = doRequest(t, ts, http.MethodDelete, "/v1/orders/"+created.ID+"/securityrules/"+ruleID, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete rule status = %d, want 200", status)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		noIdentity bool
		wantStatus int
	}{
		{
			name:       "missing identity header",
			method:     http.MethodGet,
			path:       "/v1/clouds",
			noIdentity: true,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "unknown order",
			method:     http.MethodGet,
			path:       "/v1/orders/no-such-order",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid order spec",
			method:     http.MethodPost,
			path:       "/v1/orders",
			body:       &CreateOrderRequest{Type: orders.ResourceCompute, Compute: &orders.ComputeSpec{VCPU: 0, RAMMB: 1024, ImageID: "x"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			path:       "/v1/generic",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload bytes.Buffer
			if tt.body != nil {
				if err := json.NewEncoder(&payload).Encode(tt.body); err != nil {
					t.Fatalf("encode body: %v", err)
				}
			}
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, &payload)
			if err != nil {
				t.Fatalf("build request: %v", err)
			}
			if !tt.noIdentity {
				req.Header.Set("X-User-Id", "alice")
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestHealthAndClouds(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	var clouds map[string][]string
	status := doRequest(t, ts, http.MethodGet, "/v1/clouds", nil, &clouds)
	if status != http.StatusOK {
		t.Fatalf("clouds status = %d", status)
	}
	if len(clouds["clouds"]) != 1 || clouds["clouds"][0] != testCloud {
		t.Fatalf("clouds = %v", clouds)
	}
}
