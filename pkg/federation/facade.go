package federation

import (
	"context"
	"fmt"

	"github.com/fedbroker/fedbroker/pkg/engine"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// RemoteFacade executes protocol operations arriving from peer members. On
// the provider side it re-validates consistency before delegating to the
// order controller; on the requester side it applies pushed order events.
// Consistency violations are protocol errors: logged and rejected, never
// silently applied.
type RemoteFacade struct {
	registry      *orders.Registry
	controller    *engine.Controller
	transitioner  *engine.Transitioner
	localMemberID string
	logger        *telemetry.Logger
	metrics       *telemetry.Metrics
}

// NewRemoteFacade creates the facade.
func NewRemoteFacade(registry *orders.Registry, controller *engine.Controller, transitioner *engine.Transitioner, localMemberID string, logger *telemetry.Logger, metrics *telemetry.Metrics) *RemoteFacade {
	return &RemoteFacade{
		registry:      registry,
		controller:    controller,
		transitioner:  transitioner,
		localMemberID: localMemberID,
		logger:        logger.NewComponentLogger("remote-facade"),
		metrics:       metrics,
	}
}

// ActivateOrder creates the provider-side copy of a remotely requested
// order. The snapshot must name the signalling member as requester and this
// member as provider.
func (f *RemoteFacade) ActivateOrder(ctx context.Context, req *OrderRequest) error {
	if req.Order.Requester != req.MemberID {
		return f.protocolError(req, fmt.Sprintf(
			"order requester %s does not match signalling member %s", req.Order.Requester, req.MemberID))
	}
	if req.Order.Provider != f.localMemberID {
		return f.protocolError(req, fmt.Sprintf(
			"order provider %s is not this member", req.Order.Provider))
	}

	// Rebuild the order from the snapshot so it carries a fresh lock and
	// none of the requester's runtime fields.
	order := req.Order
	order.State = ""
	order.InstanceID = ""
	order.Dispatched = false
	return f.controller.Activate(ctx, &order, req.User)
}

// GetInstance returns the provider's live view of the order's instance.
func (f *RemoteFacade) GetInstance(ctx context.Context, req *OrderRequest) (*orders.Instance, error) {
	if err := f.checkOrderRequest(req); err != nil {
		return nil, err
	}
	return f.controller.GetInstance(ctx, req.Order.ID, req.User)
}

// DeleteOrder closes the provider-side copy of the order.
func (f *RemoteFacade) DeleteOrder(ctx context.Context, req *OrderRequest) error {
	if err := f.checkOrderRequest(req); err != nil {
		return err
	}
	return f.controller.Delete(ctx, req.Order.ID, req.User)
}

// StopOrder stops the order's instance at the provider.
func (f *RemoteFacade) StopOrder(ctx context.Context, req *OrderRequest) error {
	if err := f.checkOrderRequest(req); err != nil {
		return err
	}
	return f.controller.Stop(ctx, req.Order.ID, req.User)
}

// GetUserQuota returns the signalling user's quota at one local cloud.
func (f *RemoteFacade) GetUserQuota(ctx context.Context, req *CloudRequest) (*orders.Quota, error) {
	return f.controller.GetUserQuota(ctx, f.localMemberID, req.CloudName, req.User, req.ResourceType)
}

// GetImage returns one image from a local cloud.
func (f *RemoteFacade) GetImage(ctx context.Context, req *CloudRequest) (*orders.Image, error) {
	return f.controller.GetImage(ctx, f.localMemberID, req.CloudName, req.ImageID, req.User)
}

// GetAllImages lists a local cloud's images.
func (f *RemoteFacade) GetAllImages(ctx context.Context, req *CloudRequest) ([]orders.Image, error) {
	return f.controller.GetAllImages(ctx, f.localMemberID, req.CloudName, req.User)
}

// RequestSecurityRule attaches a rule to the order's resource.
func (f *RemoteFacade) RequestSecurityRule(ctx context.Context, req *SecurityRuleRequest) (string, error) {
	if err := f.checkRuleRequest(req); err != nil {
		return "", err
	}
	return f.controller.RequestSecurityRule(ctx, req.Order.ID, req.Rule, req.User)
}

// GetSecurityRules lists the rules attached to the order's resource.
func (f *RemoteFacade) GetSecurityRules(ctx context.Context, req *SecurityRuleRequest) ([]orders.SecurityRule, error) {
	if err := f.checkRuleRequest(req); err != nil {
		return nil, err
	}
	return f.controller.GetSecurityRules(ctx, req.Order.ID, req.User)
}

// DeleteSecurityRule removes a rule from the order's resource.
func (f *RemoteFacade) DeleteSecurityRule(ctx context.Context, req *SecurityRuleRequest) error {
	if err := f.checkRuleRequest(req); err != nil {
		return err
	}
	return f.controller.DeleteSecurityRule(ctx, req.Order.ID, req.RuleID, req.User)
}

// GenericRequest forwards an opaque request to a local cloud.
func (f *RemoteFacade) GenericRequest(ctx context.Context, req *CloudRequest) (string, error) {
	return f.controller.GenericRequest(ctx, f.localMemberID, req.CloudName, req.Request, req.User)
}

// GetCloudNames lists the clouds this member serves.
func (f *RemoteFacade) GetCloudNames(ctx context.Context, req *CloudRequest) ([]string, error) {
	return f.controller.GetCloudNames(ctx, req.User)
}

// HandleOrderEvent applies a provider push to the requester-side copy of the
// order. Events arriving after the order has left PENDING are stale
// duplicates and are discarded, which makes provider retransmission safe.
func (f *RemoteFacade) HandleOrderEvent(ctx context.Context, req *EventRequest) error {
	f.metrics.RecordEventReceived(string(req.Event.Kind))

	order, err := f.registry.Get(req.Event.OrderID)
	if err != nil {
		// The order was already deleted locally; the provider's push is a
		// benign leftover.
		f.metrics.RecordEventDiscarded()
		f.logger.WithOrder(req.Event.OrderID).WithMember(req.MemberID).
			Debug("discarding event for unknown order")
		return nil
	}

	if order.Provider != req.MemberID {
		f.logger.WithOrder(order.ID).WithMember(req.MemberID).
			WithField("recorded_provider", order.Provider).
			Warn("rejecting event from member that is not the order's provider")
		return orders.NewInvalidParameterError(fmt.Sprintf(
			"member %s is not the provider of order %s", req.MemberID, order.ID), nil).WithOrder(order.ID)
	}

	order.Lock()
	defer order.Unlock()

	if order.State != orders.StatePending {
		f.metrics.RecordEventDiscarded()
		f.logger.WithOrder(order.ID).
			WithField("state", order.State).
			WithField("kind", req.Event.Kind).
			Debug("discarding stale or duplicate order event")
		return nil
	}

	// The provider is authoritative for the instance status and the
	// realized allocation; instance ids stay at the provider.
	order.CachedInstanceState = req.Event.Snapshot.CachedInstanceState
	if req.Event.Snapshot.ActualAllocation != nil {
		order.ActualAllocation = req.Event.Snapshot.ActualAllocation
	}

	switch req.Event.Kind {
	case orders.EventInstanceFulfilled:
		return f.transitioner.Transition(ctx, order, orders.StateFulfilled)
	case orders.EventInstanceFailed:
		if req.Event.Snapshot.OnceFaultMessage != "" {
			order.SetFaultMessage(req.Event.Snapshot.OnceFaultMessage)
		}
		return f.transitioner.Transition(ctx, order, orders.StateFailedAfterSuccessfulRequest)
	}
	return orders.NewInvalidParameterError(fmt.Sprintf("unknown event kind %q", req.Event.Kind), nil).WithOrder(order.ID)
}

// checkOrderRequest verifies the signalling member originated the order and
// this member provides it.
func (f *RemoteFacade) checkOrderRequest(req *OrderRequest) error {
	order, err := f.registry.Get(req.Order.ID)
	if err != nil {
		return err
	}
	if order.Requester != req.MemberID {
		return f.protocolError(req, fmt.Sprintf(
			"order %s was not requested by member %s", order.ID, req.MemberID))
	}
	if order.Provider != f.localMemberID {
		return f.protocolError(req, fmt.Sprintf(
			"order %s is not provided by this member", order.ID))
	}
	if req.Order.Type != order.Type {
		return f.protocolError(req, fmt.Sprintf(
			"resource type %s does not match stored order type %s", req.Order.Type, order.Type))
	}
	return nil
}

func (f *RemoteFacade) checkRuleRequest(req *SecurityRuleRequest) error {
	return f.checkOrderRequest(&OrderRequest{MemberID: req.MemberID, User: req.User, Order: req.Order})
}

func (f *RemoteFacade) protocolError(req *OrderRequest, msg string) error {
	f.logger.WithMember(req.MemberID).WithOrder(req.Order.ID).Warn(msg)
	return orders.NewInvalidParameterError(msg, nil).WithOrder(req.Order.ID)
}
