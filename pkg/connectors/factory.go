package connectors

import (
	"sync"

	"github.com/fedbroker/fedbroker/pkg/clouds"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/stores"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// Factory resolves the connector variant for an order by comparing its
// provider against the local member id. This comparison is the single seam
// that makes the rest of the engine location-transparent.
type Factory struct {
	localMemberID string
	defaultCloud  string
	plugins       *clouds.Registry
	store         stores.OrderStore
	client        RemoteClient
	logger        *telemetry.Logger
	metrics       *telemetry.Metrics
	tracer        *telemetry.Tracer

	mu      sync.Mutex
	locals  map[string]*LocalConnector
	polling map[string]*LocalConnector
	remotes map[string]*RemoteConnector
}

// NewFactory creates a connector factory for the local member.
func NewFactory(localMemberID, defaultCloud string, plugins *clouds.Registry, store stores.OrderStore, client RemoteClient, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Factory {
	return &Factory{
		localMemberID: localMemberID,
		defaultCloud:  defaultCloud,
		plugins:       plugins,
		store:         store,
		client:        client,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
		locals:        make(map[string]*LocalConnector),
		polling:       make(map[string]*LocalConnector),
		remotes:       make(map[string]*RemoteConnector),
	}
}

// LocalMemberID returns the member id the factory resolves locality against.
func (f *Factory) LocalMemberID() string { return f.localMemberID }

func (f *Factory) local(cloudName string) *LocalConnector {
	if cloudName == "" {
		cloudName = f.defaultCloud
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.locals[cloudName]
	if !ok {
		c = NewLocalConnector(cloudName, f.localMemberID, f.plugins, f.store, f.logger, f.metrics, f.tracer)
		f.locals[cloudName] = c
		f.polling[cloudName] = c.WithoutAudit()
	}
	return c
}

func (f *Factory) localPolling(cloudName string) *LocalConnector {
	f.local(cloudName)
	if cloudName == "" {
		cloudName = f.defaultCloud
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polling[cloudName]
}

func (f *Factory) remote(memberID, cloudName string) *RemoteConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := memberID + "/" + cloudName
	c, ok := f.remotes[key]
	if !ok {
		c = NewRemoteConnector(memberID, cloudName, f.client, f.logger, f.metrics, f.tracer)
		f.remotes[key] = c
	}
	return c
}

// For returns the connector serving the order, with request auditing on.
func (f *Factory) For(order *orders.Order) CloudConnector {
	if order.IsProviderLocal(f.localMemberID) {
		return f.local(order.CloudName)
	}
	return f.remote(order.Provider, order.CloudName)
}

// ForPolling returns the connector serving the order with auditing off, for
// engine-driven status polls.
func (f *Factory) ForPolling(order *orders.Order) CloudConnector {
	if order.IsProviderLocal(f.localMemberID) {
		return f.localPolling(order.CloudName)
	}
	return f.remote(order.Provider, order.CloudName)
}

// ForMember returns the connector for explicit member/cloud addressing, used
// by quota and image queries that are not bound to an order.
func (f *Factory) ForMember(memberID, cloudName string) CloudConnector {
	if memberID == "" || memberID == f.localMemberID {
		return f.local(cloudName)
	}
	return f.remote(memberID, cloudName)
}
