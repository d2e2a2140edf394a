package connectors

import (
	"context"
	"time"

	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// RemoteConnector ships the same operations to the providing member over the
// federation protocol. The client is responsible for mapping transport
// failures onto the orders error taxonomy, so from the engine's point of view
// a remote cloud fails the same way a local one does.
type RemoteConnector struct {
	memberID  string
	cloudName string
	client    RemoteClient
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// NewRemoteConnector creates a connector bound to one providing member and
// one of its clouds.
func NewRemoteConnector(memberID, cloudName string, client RemoteClient, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *RemoteConnector {
	return &RemoteConnector{
		memberID:  memberID,
		cloudName: cloudName,
		client:    client,
		logger:    logger.NewComponentLogger("remote-connector").WithMember(memberID),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// snapshot serializes the order for the wire. The caller holds the order
// lock on every engine path that reaches a remote connector.
func snapshot(order *orders.Order) orders.Order {
	return order.Snapshot()
}

// RequestInstance activates the order at the providing member. The returned
// instance id is always empty: instance ids live only at the provider, and
// the requester learns the outcome through a pushed order event.
func (c *RemoteConnector) RequestInstance(ctx context.Context, order *orders.Order) (string, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "request_instance", order.CloudName, "remote")
	defer span.End()
	started := time.Now()

	err := c.client.ActivateOrder(ctx, c.memberID, snapshot(order))
	c.metrics.RecordConnectorCall("request_instance", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return "", err
}

// GetInstance fetches the provider's view of the order's instance. Routine
// status reads never take this path; it serves explicit refreshes only.
func (c *RemoteConnector) GetInstance(ctx context.Context, order *orders.Order) (*orders.Instance, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_instance", order.CloudName, "remote")
	defer span.End()
	started := time.Now()

	instance, err := c.client.GetInstance(ctx, c.memberID, snapshot(order))
	c.metrics.RecordConnectorCall("get_instance", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return instance, err
}

// DeleteInstance asks the providing member to delete its copy of the order
// along with the backend instance.
func (c *RemoteConnector) DeleteInstance(ctx context.Context, order *orders.Order) error {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "delete_instance", order.CloudName, "remote")
	defer span.End()
	started := time.Now()

	err := c.client.DeleteOrder(ctx, c.memberID, snapshot(order))
	c.metrics.RecordConnectorCall("delete_instance", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return err
}

// StopInstance asks the providing member to stop the order's instance.
func (c *RemoteConnector) StopInstance(ctx context.Context, order *orders.Order) error {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "stop_instance", order.CloudName, "remote")
	defer span.End()
	started := time.Now()

	err := c.client.StopOrder(ctx, c.memberID, snapshot(order))
	c.metrics.RecordConnectorCall("stop_instance", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return err
}

// GetUserQuota returns the user's quota at the remote member's cloud.
func (c *RemoteConnector) GetUserQuota(ctx context.Context, user orders.SystemUser, resourceType orders.ResourceType) (*orders.Quota, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_user_quota", c.cloudName, "remote")
	defer span.End()
	started := time.Now()

	quota, err := c.client.GetUserQuota(ctx, c.memberID, c.cloudName, user, resourceType)
	c.metrics.RecordConnectorCall("get_user_quota", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return quota, err
}

// GetImage returns one image from the remote member's cloud.
func (c *RemoteConnector) GetImage(ctx context.Context, imageID string, user orders.SystemUser) (*orders.Image, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_image", c.cloudName, "remote")
	defer span.End()
	started := time.Now()

	image, err := c.client.GetImage(ctx, c.memberID, c.cloudName, imageID, user)
	c.metrics.RecordConnectorCall("get_image", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return image, err
}

// GetAllImages lists the remote member's images.
func (c *RemoteConnector) GetAllImages(ctx context.Context, user orders.SystemUser) ([]orders.Image, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_all_images", c.cloudName, "remote")
	defer span.End()
	started := time.Now()

	images, err := c.client.GetAllImages(ctx, c.memberID, c.cloudName, user)
	c.metrics.RecordConnectorCall("get_all_images", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return images, err
}

// RequestSecurityRule attaches a rule at the providing member.
func (c *RemoteConnector) RequestSecurityRule(ctx context.Context, order *orders.Order, rule orders.SecurityRule, user orders.SystemUser) (string, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "request_security_rule", order.CloudName, "remote")
	defer span.End()
	started := time.Now()

	ruleID, err := c.client.RequestSecurityRule(ctx, c.memberID, snapshot(order), rule, user)
	c.metrics.RecordConnectorCall("request_security_rule", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return ruleID, err
}

// GetSecurityRules lists the rules attached at the providing member.
func (c *RemoteConnector) GetSecurityRules(ctx context.Context, order *orders.Order, user orders.SystemUser) ([]orders.SecurityRule, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_security_rules", order.CloudName, "remote")
	defer span.End()
	started := time.Now()

	rules, err := c.client.GetSecurityRules(ctx, c.memberID, snapshot(order), user)
	c.metrics.RecordConnectorCall("get_security_rules", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return rules, err
}

// DeleteSecurityRule removes a rule at the providing member.
func (c *RemoteConnector) DeleteSecurityRule(ctx context.Context, order *orders.Order, ruleID string, user orders.SystemUser) error {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "delete_security_rule", order.CloudName, "remote")
	defer span.End()
	started := time.Now()

	err := c.client.DeleteSecurityRule(ctx, c.memberID, snapshot(order), ruleID, user)
	c.metrics.RecordConnectorCall("delete_security_rule", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return err
}

// GenericRequest forwards an opaque request to the remote member's cloud.
func (c *RemoteConnector) GenericRequest(ctx context.Context, request string, user orders.SystemUser) (string, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "generic_request", c.cloudName, "remote")
	defer span.End()
	started := time.Now()

	response, err := c.client.GenericRequest(ctx, c.memberID, c.cloudName, request, user)
	c.metrics.RecordConnectorCall("generic_request", "remote", err, time.Since(started))
	telemetry.RecordError(span, err)
	return response, err
}

var _ CloudConnector = (*RemoteConnector)(nil)
