package engine

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"

	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/policy"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

var validate = validator.New()

// Controller serves the user-facing order operations. It is shared by the
// local API and the federation facade; both paths re-validate ownership on
// every mutating operation before the authorizer is consulted.
type Controller struct {
	registry      *orders.Registry
	transitioner  *Transitioner
	factory       ConnectorFactory
	authorizer    policy.Authorizer
	localMemberID string
	defaultCloud  string
	cloudNames    []string
	logger        *telemetry.Logger
	tracer        *telemetry.Tracer
}

// NewController creates the order controller.
func NewController(registry *orders.Registry, transitioner *Transitioner, factory ConnectorFactory, authorizer policy.Authorizer, localMemberID, defaultCloud string, cloudNames []string, logger *telemetry.Logger, tracer *telemetry.Tracer) *Controller {
	return &Controller{
		registry:      registry,
		transitioner:  transitioner,
		factory:       factory,
		authorizer:    authorizer,
		localMemberID: localMemberID,
		defaultCloud:  defaultCloud,
		cloudNames:    cloudNames,
		logger:        logger.NewComponentLogger("controller"),
		tracer:        tracer,
	}
}

// Activate validates a new order, fills in defaults, stamps the principal
// and registers it in the OPEN queue. Remote-origin activations arrive with
// requester and provider already set by the requesting member.
func (c *Controller) Activate(ctx context.Context, order *orders.Order, user orders.SystemUser) error {
	ctx, span := c.tracer.StartOrderSpan(ctx, "activate", order.ID)
	defer span.End()

	if order.Requester == "" {
		order.Requester = c.localMemberID
	}
	if order.Provider == "" {
		order.Provider = c.localMemberID
	}
	if order.CloudName == "" {
		order.CloudName = c.defaultCloud
	}
	order.SystemUser = user

	if err := c.validateSpec(order); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	op := policy.Operation{Kind: policy.OpCreate, ResourceType: order.Type, CloudName: order.CloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if err := c.transitioner.Activate(ctx, order); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

func (c *Controller) validateSpec(order *orders.Order) error {
	spec, err := order.SpecFor()
	if err != nil {
		return err
	}
	if err := validate.Struct(spec); err != nil {
		return orders.NewInvalidParameterError(fmt.Sprintf("invalid %s order attributes", order.Type), err)
	}

	if order.Type == orders.ResourceCompute && order.Compute.PublicKey != "" {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(order.Compute.PublicKey)); err != nil {
			return orders.NewInvalidParameterError("invalid ssh public key", err)
		}
	}

	// Attachment and public IP orders must reference compute orders that
	// exist and belong to the same provider.
	switch order.Type {
	case orders.ResourceAttachment:
		if err := c.checkReference(order.Attachment.ComputeOrderID, order); err != nil {
			return err
		}
		return c.checkReference(order.Attachment.VolumeOrderID, order)
	case orders.ResourcePublicIP:
		return c.checkReference(order.PublicIP.ComputeOrderID, order)
	}
	return nil
}

func (c *Controller) checkReference(id string, order *orders.Order) error {
	ref, err := c.registry.Get(id)
	if err != nil {
		return orders.NewInvalidParameterError(fmt.Sprintf("referenced order %s not found", id), err)
	}
	if ref.Provider != order.Provider {
		return orders.NewInvalidParameterError(
			fmt.Sprintf("referenced order %s belongs to provider %s", id, ref.Provider), nil)
	}
	return nil
}

// GetOrder returns the active order after verifying ownership.
func (c *Controller) GetOrder(ctx context.Context, id string, user orders.SystemUser) (*orders.Order, error) {
	order, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if err := c.checkOwnership(order, user); err != nil {
		return nil, err
	}
	op := policy.Operation{Kind: policy.OpGet, ResourceType: order.Type, CloudName: order.CloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		return nil, err
	}
	return order, nil
}

// GetInstance returns the current instance view of the order. Locally
// provided orders are read straight from the backend; remotely provided ones
// return the cached snapshot maintained by the synchronization protocol, so
// routine reads never cross the wire.
func (c *Controller) GetInstance(ctx context.Context, id string, user orders.SystemUser) (*orders.Instance, error) {
	ctx, span := c.tracer.StartOrderSpan(ctx, "get_instance", id)
	defer span.End()

	order, err := c.GetOrder(ctx, id, user)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	order.Lock()
	defer order.Unlock()

	if order.IsProviderRemote(c.localMemberID) {
		return c.cachedInstance(order), nil
	}

	if order.InstanceID == "" {
		return c.cachedInstance(order), nil
	}
	instance, err := c.factory.For(order).GetInstance(ctx, order)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return instance, nil
}

// cachedInstance synthesizes an instance view from the order's own fields.
// Used before provisioning completes and for remotely provided orders.
func (c *Controller) cachedInstance(order *orders.Order) *orders.Instance {
	state := orders.InstanceState(order.CachedInstanceState)
	if state == "" {
		state = orders.InstanceDispatched
	}
	return &orders.Instance{
		ID:         order.ID,
		Type:       order.Type,
		State:      state,
		Allocation: order.ActualAllocation,
		FaultMsg:   order.OnceFaultMessage,
	}
}

// Delete closes the order. Orders still pre-provisioning (OPEN or PENDING)
// close immediately with no backend call; provisioned orders close and leave
// the backend deletion to the closed processor, which removes the order from
// the registry only once the instance is confirmed gone.
func (c *Controller) Delete(ctx context.Context, id string, user orders.SystemUser) error {
	ctx, span := c.tracer.StartOrderSpan(ctx, "delete", id)
	defer span.End()

	order, err := c.registry.Get(id)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if err := c.checkOwnership(order, user); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	op := policy.Operation{Kind: policy.OpDelete, ResourceType: order.Type, CloudName: order.CloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	order.Lock()
	defer order.Unlock()

	if order.State == orders.StateClosed {
		return orders.NewInvalidParameterError("order is already closed", nil).WithOrder(id)
	}
	return c.transitioner.Transition(ctx, order, orders.StateClosed)
}

// Stop powers off a fulfilled compute order. Locally provided orders enter
// STOPPING and are polled until the backend reports the instance stopped;
// remotely provided orders are marked stopped once the provider accepts the
// request, since stop outcomes are not part of the event push protocol.
func (c *Controller) Stop(ctx context.Context, id string, user orders.SystemUser) error {
	ctx, span := c.tracer.StartOrderSpan(ctx, "stop", id)
	defer span.End()

	order, err := c.registry.Get(id)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if err := c.checkOwnership(order, user); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	op := policy.Operation{Kind: policy.OpStop, ResourceType: order.Type, CloudName: order.CloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	order.Lock()
	defer order.Unlock()

	if order.Type != orders.ResourceCompute {
		return orders.NewInvalidParameterError("only compute orders can be stopped", nil).WithOrder(id)
	}
	if order.State != orders.StateFulfilled {
		return orders.NewInvalidParameterError(
			fmt.Sprintf("order in state %s cannot be stopped", order.State), nil).WithOrder(id)
	}

	if err := c.factory.For(order).StopInstance(ctx, order); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if order.IsProviderRemote(c.localMemberID) {
		order.CachedInstanceState = string(orders.InstanceStopped)
		return c.transitioner.Transition(ctx, order, orders.StateStopped)
	}
	return c.transitioner.Transition(ctx, order, orders.StateStopping)
}

// GetUserAllocation sums the realized compute allocation of the user's
// fulfilled orders at one providing member.
func (c *Controller) GetUserAllocation(ctx context.Context, memberID string, user orders.SystemUser) (*orders.ComputeAllocation, error) {
	op := policy.Operation{Kind: policy.OpGetQuota}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		return nil, err
	}

	total := &orders.ComputeAllocation{}
	for _, order := range c.registry.ActiveOrders() {
		order.Lock()
		if order.Type == orders.ResourceCompute &&
			order.Provider == memberID &&
			order.SystemUser.Equals(user) &&
			order.State == orders.StateFulfilled &&
			order.ActualAllocation != nil {
			total.VCPU += order.ActualAllocation.VCPU
			total.RAMMB += order.ActualAllocation.RAMMB
			total.DiskGB += order.ActualAllocation.DiskGB
			total.Instances += order.ActualAllocation.Instances
		}
		order.Unlock()
	}
	return total, nil
}

// GetUserQuota returns the user's limits and usage at one member/cloud.
func (c *Controller) GetUserQuota(ctx context.Context, memberID, cloudName string, user orders.SystemUser, resourceType orders.ResourceType) (*orders.Quota, error) {
	op := policy.Operation{Kind: policy.OpGetQuota, ResourceType: resourceType, CloudName: cloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		return nil, err
	}
	return c.factory.ForMember(memberID, cloudName).GetUserQuota(ctx, user, resourceType)
}

// GetImage returns one bootable image at one member/cloud.
func (c *Controller) GetImage(ctx context.Context, memberID, cloudName, imageID string, user orders.SystemUser) (*orders.Image, error) {
	op := policy.Operation{Kind: policy.OpGetImages, CloudName: cloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		return nil, err
	}
	return c.factory.ForMember(memberID, cloudName).GetImage(ctx, imageID, user)
}

// GetAllImages lists the images at one member/cloud.
func (c *Controller) GetAllImages(ctx context.Context, memberID, cloudName string, user orders.SystemUser) ([]orders.Image, error) {
	op := policy.Operation{Kind: policy.OpGetImages, CloudName: cloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		return nil, err
	}
	return c.factory.ForMember(memberID, cloudName).GetAllImages(ctx, user)
}

// RequestSecurityRule attaches a rule to a network or public IP order.
func (c *Controller) RequestSecurityRule(ctx context.Context, orderID string, rule orders.SecurityRule, user orders.SystemUser) (string, error) {
	order, err := c.securityRuleOrder(ctx, orderID, user)
	if err != nil {
		return "", err
	}
	if err := validate.Struct(rule); err != nil {
		return "", orders.NewInvalidParameterError("invalid security rule", err)
	}
	return c.factory.For(order).RequestSecurityRule(ctx, order, rule, user)
}

// GetSecurityRules lists the rules attached to an order's resource.
func (c *Controller) GetSecurityRules(ctx context.Context, orderID string, user orders.SystemUser) ([]orders.SecurityRule, error) {
	order, err := c.securityRuleOrder(ctx, orderID, user)
	if err != nil {
		return nil, err
	}
	return c.factory.For(order).GetSecurityRules(ctx, order, user)
}

// DeleteSecurityRule removes a rule from an order's resource.
func (c *Controller) DeleteSecurityRule(ctx context.Context, orderID, ruleID string, user orders.SystemUser) error {
	order, err := c.securityRuleOrder(ctx, orderID, user)
	if err != nil {
		return err
	}
	return c.factory.For(order).DeleteSecurityRule(ctx, order, ruleID, user)
}

func (c *Controller) securityRuleOrder(ctx context.Context, orderID string, user orders.SystemUser) (*orders.Order, error) {
	order, err := c.registry.Get(orderID)
	if err != nil {
		return nil, err
	}
	if order.Type != orders.ResourceNetwork && order.Type != orders.ResourcePublicIP {
		return nil, orders.NewInvalidParameterError(
			fmt.Sprintf("security rules do not apply to %s orders", order.Type), nil).WithOrder(orderID)
	}
	if err := c.checkOwnership(order, user); err != nil {
		return nil, err
	}
	op := policy.Operation{Kind: policy.OpSecurityRules, ResourceType: order.Type, CloudName: order.CloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		return nil, err
	}
	return order, nil
}

// GenericRequest forwards an opaque request to one member/cloud.
func (c *Controller) GenericRequest(ctx context.Context, memberID, cloudName, request string, user orders.SystemUser) (string, error) {
	op := policy.Operation{Kind: policy.OpGenericRequest, CloudName: cloudName}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		return "", err
	}
	return c.factory.ForMember(memberID, cloudName).GenericRequest(ctx, request, user)
}

// GetCloudNames lists the clouds served by this member.
func (c *Controller) GetCloudNames(ctx context.Context, user orders.SystemUser) ([]string, error) {
	op := policy.Operation{Kind: policy.OpGet}
	if err := c.authorizer.IsAuthorized(ctx, user, op); err != nil {
		return nil, err
	}
	names := make([]string, len(c.cloudNames))
	copy(names, c.cloudNames)
	return names, nil
}

// checkOwnership enforces that the caller owns the order. Ownership is a
// hard invariant checked before the policy engine ever sees the request.
func (c *Controller) checkOwnership(order *orders.Order, user orders.SystemUser) error {
	if !order.SystemUser.Equals(user) {
		return orders.NewUnauthorizedError("order belongs to another user", nil).WithOrder(order.ID)
	}
	return nil
}
