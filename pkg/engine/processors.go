package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// ProcessorConfig tunes the background processors.
type ProcessorConfig struct {
	OpenInterval             time.Duration
	SpawningInterval         time.Duration
	StoppingInterval         time.Duration
	FulfilledInterval        time.Duration
	ClosedInterval           time.Duration
	SpawningFailureThreshold int
}

// ProcessorSet owns the background loops advancing orders, one per transient
// state plus the reconciler for orders whose status could not be checked.
type ProcessorSet struct {
	processors []*Processor
}

// NewProcessorSet builds the processors against one registry, transitioner
// and connector factory.
func NewProcessorSet(cfg ProcessorConfig, registry *orders.Registry, transitioner *Transitioner, factory ConnectorFactory, localMemberID string, logger *telemetry.Logger, metrics *telemetry.Metrics) *ProcessorSet {
	e := &executor{
		registry:      registry,
		transitioner:  transitioner,
		factory:       factory,
		localMemberID: localMemberID,
		logger:        logger,
		failures:      newFailureCounter(),
		threshold:     cfg.SpawningFailureThreshold,
	}

	return &ProcessorSet{processors: []*Processor{
		newProcessor("open-processor", registry.Queue(orders.StateOpen), cfg.OpenInterval, e.processOpen, logger, metrics),
		newProcessor("spawning-processor", registry.Queue(orders.StateSpawning), cfg.SpawningInterval, e.processSpawning, logger, metrics),
		newProcessor("stopping-processor", registry.Queue(orders.StateStopping), cfg.StoppingInterval, e.processStopping, logger, metrics),
		newProcessor("fulfilled-monitor", registry.Queue(orders.StateFulfilled), cfg.FulfilledInterval, e.processFulfilled, logger, metrics),
		newProcessor("status-reconciler", registry.Queue(orders.StateUnableToCheckStatus), cfg.FulfilledInterval, e.processUnchecked, logger, metrics),
		newProcessor("closed-processor", registry.Queue(orders.StateClosed), cfg.ClosedInterval, e.processClosed, logger, metrics),
	}}
}

// Start launches every processor.
func (s *ProcessorSet) Start() {
	for _, p := range s.processors {
		p.Start()
	}
}

// Stop stops every processor and waits for their loops to exit.
func (s *ProcessorSet) Stop() {
	for _, p := range s.processors {
		p.Stop()
	}
}

// executor holds the shared collaborators of the per-state handlers.
type executor struct {
	registry      *orders.Registry
	transitioner  *Transitioner
	factory       ConnectorFactory
	localMemberID string
	logger        *telemetry.Logger
	failures      *failureCounter
	threshold     int
}

// processOpen dispatches a freshly activated order. Local orders go straight
// to the backend and start spawning; remote orders are shipped to their
// provider and parked in PENDING until the provider pushes an event.
func (e *executor) processOpen(ctx context.Context, order *orders.Order) error {
	order.Lock()
	defer order.Unlock()

	if order.State != orders.StateOpen {
		// A concurrent delete won the lock first.
		return nil
	}

	instanceID, err := e.factory.For(order).RequestInstance(ctx, order)
	if err != nil {
		order.SetFaultMessage(err.Error())
		if terr := e.transitioner.Transition(ctx, order, orders.StateFailed); terr != nil {
			return terr
		}
		return err
	}

	order.Dispatched = true
	if order.IsProviderRemote(e.localMemberID) {
		return e.transitioner.Transition(ctx, order, orders.StatePending)
	}
	order.InstanceID = instanceID
	return e.transitioner.Transition(ctx, order, orders.StateSpawning)
}

// processSpawning polls a locally provided order until the backend reports
// the instance ready or failed. Transient errors count against the failure
// threshold; connectivity errors escalate immediately.
func (e *executor) processSpawning(ctx context.Context, order *orders.Order) error {
	order.Lock()
	defer order.Unlock()

	if order.State != orders.StateSpawning {
		return nil
	}
	if order.IsProviderRemote(e.localMemberID) {
		// Remote orders are advanced only by provider events; one in this
		// queue indicates a locality anomaly.
		e.logger.WithOrder(order.ID).WithMember(order.Provider).Warn("remote order found in spawning queue")
		return nil
	}

	instance, err := e.factory.ForPolling(order).GetInstance(ctx, order)
	if err != nil {
		return e.handlePollFailure(ctx, order, err)
	}
	e.failures.Reset(order.ID)

	switch {
	case instance.HasFailed():
		order.CachedInstanceState = string(instance.State)
		order.SetFaultMessage(faultOf(instance))
		return e.transitioner.Transition(ctx, order, orders.StateFailedAfterSuccessfulRequest)
	case instance.IsReady():
		order.CachedInstanceState = string(instance.State)
		if instance.Allocation != nil {
			order.ActualAllocation = instance.Allocation
		}
		return e.transitioner.Transition(ctx, order, orders.StateFulfilled)
	}
	// Still spawning; poll again next pass.
	return nil
}

// processStopping polls a compute order until its instance reports stopped.
func (e *executor) processStopping(ctx context.Context, order *orders.Order) error {
	order.Lock()
	defer order.Unlock()

	if order.State != orders.StateStopping {
		return nil
	}
	if order.IsProviderRemote(e.localMemberID) || order.Type != orders.ResourceCompute {
		return nil
	}

	instance, err := e.factory.ForPolling(order).GetInstance(ctx, order)
	if err != nil {
		if orders.IsNotFound(err) {
			// Instance vanished while stopping.
			order.SetFaultMessage(err.Error())
			return e.transitioner.Transition(ctx, order, orders.StateFailedAfterSuccessfulRequest)
		}
		return e.handlePollFailure(ctx, order, err)
	}
	e.failures.Reset(order.ID)

	if instance.IsStopped() {
		order.CachedInstanceState = string(instance.State)
		return e.transitioner.Transition(ctx, order, orders.StateStopped)
	}
	return nil
}

// processFulfilled re-checks local fulfilled orders to catch out-of-band
// failures the user never asked about.
func (e *executor) processFulfilled(ctx context.Context, order *orders.Order) error {
	order.Lock()
	defer order.Unlock()

	if order.State != orders.StateFulfilled {
		return nil
	}
	if order.IsProviderRemote(e.localMemberID) {
		return nil
	}

	instance, err := e.factory.ForPolling(order).GetInstance(ctx, order)
	if err != nil {
		switch {
		case orders.IsNotFound(err):
			order.SetFaultMessage("backend instance disappeared")
			return e.transitioner.Transition(ctx, order, orders.StateFailed)
		case orders.IsUnavailable(err):
			return e.transitioner.Transition(ctx, order, orders.StateUnableToCheckStatus)
		}
		return err
	}

	if instance.HasFailed() {
		order.CachedInstanceState = string(instance.State)
		order.SetFaultMessage(faultOf(instance))
		return e.transitioner.Transition(ctx, order, orders.StateFailed)
	}
	order.CachedInstanceState = string(instance.State)
	return nil
}

// processUnchecked re-examines orders parked in UNABLE_TO_CHECK_STATUS once
// connectivity may have returned, restoring or demoting them according to
// what the backend now reports.
func (e *executor) processUnchecked(ctx context.Context, order *orders.Order) error {
	order.Lock()
	defer order.Unlock()

	if order.State != orders.StateUnableToCheckStatus {
		return nil
	}
	if order.IsProviderRemote(e.localMemberID) {
		return nil
	}

	instance, err := e.factory.ForPolling(order).GetInstance(ctx, order)
	if err != nil {
		if orders.IsNotFound(err) {
			order.SetFaultMessage("backend instance disappeared")
			return e.transitioner.Transition(ctx, order, orders.StateFailed)
		}
		// Still unreachable; stay parked.
		return nil
	}

	order.CachedInstanceState = string(instance.State)
	switch {
	case instance.HasFailed():
		order.SetFaultMessage(faultOf(instance))
		return e.transitioner.Transition(ctx, order, orders.StateFailedAfterSuccessfulRequest)
	case instance.IsStopped():
		return e.transitioner.Transition(ctx, order, orders.StateStopped)
	case instance.IsReady():
		return e.transitioner.Transition(ctx, order, orders.StateFulfilled)
	}
	return nil
}

// processClosed deletes the backend instance, then removes the order from
// the registry once the deletion is confirmed (or the instance was already
// gone). Orders closed before dispatch have nothing to delete.
func (e *executor) processClosed(ctx context.Context, order *orders.Order) error {
	order.Lock()
	defer order.Unlock()

	if order.State != orders.StateClosed {
		return nil
	}

	needsDelete := order.Dispatched &&
		(order.IsProviderRemote(e.localMemberID) || order.InstanceID != "")
	if needsDelete {
		err := e.factory.For(order).DeleteInstance(ctx, order)
		if err != nil && !orders.IsNotFound(err) {
			// Keep the order queued and retry next pass.
			return err
		}
	}

	e.failures.Reset(order.ID)
	return e.transitioner.Deactivate(ctx, order)
}

// handlePollFailure applies the shared retry policy for status polls:
// connectivity errors escalate immediately, anything else counts against the
// consecutive-failure threshold.
func (e *executor) handlePollFailure(ctx context.Context, order *orders.Order, err error) error {
	if orders.IsUnavailable(err) {
		if terr := e.transitioner.Transition(ctx, order, orders.StateUnableToCheckStatus); terr != nil {
			return terr
		}
		return err
	}

	count := e.failures.Inc(order.ID)
	if count < e.threshold {
		e.logger.WithOrder(order.ID).WithError(err).
			WithField("failures", count).
			Debug("status check failed, will retry")
		return nil
	}

	e.failures.Reset(order.ID)
	order.SetFaultMessage(err.Error())
	if terr := e.transitioner.Transition(ctx, order, orders.StateFailedAfterSuccessfulRequest); terr != nil {
		return terr
	}
	return err
}

func faultOf(instance *orders.Instance) string {
	if instance.FaultMsg != "" {
		return instance.FaultMsg
	}
	return fmt.Sprintf("instance %s reported state %s", instance.ID, instance.State)
}
