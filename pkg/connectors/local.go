package connectors

import (
	"context"
	"time"

	"github.com/fedbroker/fedbroker/pkg/clouds"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/stores"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// LocalConnector forwards operations to the in-process plugin registered for
// the target cloud. User-initiated calls are appended to the request audit
// trail; the engine's own polling calls go through a variant with auditing
// switched off so automated polls do not flood the trail.
type LocalConnector struct {
	cloudName string
	plugins   *clouds.Registry
	store     stores.OrderStore
	memberID  string
	audit     bool
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// NewLocalConnector creates an auditing local connector for one cloud.
func NewLocalConnector(cloudName, memberID string, plugins *clouds.Registry, store stores.OrderStore, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *LocalConnector {
	return &LocalConnector{
		cloudName: cloudName,
		plugins:   plugins,
		store:     store,
		memberID:  memberID,
		audit:     true,
		logger:    logger.NewComponentLogger("local-connector").WithCloud(cloudName),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// WithoutAudit returns a copy of the connector that skips the request audit
// trail. Used for engine-driven status polling.
func (c *LocalConnector) WithoutAudit() *LocalConnector {
	clone := *c
	clone.audit = false
	return &clone
}

func (c *LocalConnector) plugin() (clouds.Plugin, error) {
	return c.plugins.Get(c.cloudName)
}

func (c *LocalConnector) recordCall(ctx context.Context, operation, orderID string, user orders.SystemUser, err error, started time.Time) {
	c.metrics.RecordConnectorCall(operation, "local", err, time.Since(started))
	if !c.audit {
		return
	}
	auditErr := c.store.AppendRequestAudit(ctx, &stores.RequestAudit{
		Operation: operation,
		OrderID:   orderID,
		UserID:    user.ID,
		MemberID:  user.MemberID,
		CloudName: c.cloudName,
	})
	if auditErr != nil {
		c.logger.WithError(auditErr).Warn("failed to append request audit entry")
	}
}

// RequestInstance provisions the order against the local cloud plugin.
func (c *LocalConnector) RequestInstance(ctx context.Context, order *orders.Order) (string, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "request_instance", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return "", err
	}
	instanceID, err := plugin.RequestInstance(ctx, order, order.SystemUser)
	c.recordCall(ctx, "request_instance", order.ID, order.SystemUser, err, started)
	telemetry.RecordError(span, err)
	return instanceID, err
}

// GetInstance fetches the backend view of the order's instance.
func (c *LocalConnector) GetInstance(ctx context.Context, order *orders.Order) (*orders.Instance, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_instance", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return nil, err
	}
	instance, err := plugin.GetInstance(ctx, order, order.SystemUser)
	c.recordCall(ctx, "get_instance", order.ID, order.SystemUser, err, started)
	telemetry.RecordError(span, err)
	return instance, err
}

// DeleteInstance removes the order's backend instance.
func (c *LocalConnector) DeleteInstance(ctx context.Context, order *orders.Order) error {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "delete_instance", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return err
	}
	err = plugin.DeleteInstance(ctx, order, order.SystemUser)
	c.recordCall(ctx, "delete_instance", order.ID, order.SystemUser, err, started)
	telemetry.RecordError(span, err)
	return err
}

// StopInstance powers off the order's compute instance.
func (c *LocalConnector) StopInstance(ctx context.Context, order *orders.Order) error {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "stop_instance", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return err
	}
	err = plugin.StopInstance(ctx, order, order.SystemUser)
	c.recordCall(ctx, "stop_instance", order.ID, order.SystemUser, err, started)
	telemetry.RecordError(span, err)
	return err
}

// GetUserQuota returns the user's quota at the local cloud.
func (c *LocalConnector) GetUserQuota(ctx context.Context, user orders.SystemUser, resourceType orders.ResourceType) (*orders.Quota, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_user_quota", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return nil, err
	}
	quota, err := plugin.GetUserQuota(ctx, user, resourceType)
	c.recordCall(ctx, "get_user_quota", "", user, err, started)
	telemetry.RecordError(span, err)
	return quota, err
}

// GetImage returns one image from the local cloud.
func (c *LocalConnector) GetImage(ctx context.Context, imageID string, user orders.SystemUser) (*orders.Image, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_image", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return nil, err
	}
	image, err := plugin.GetImage(ctx, imageID, user)
	c.recordCall(ctx, "get_image", "", user, err, started)
	telemetry.RecordError(span, err)
	return image, err
}

// GetAllImages lists the local cloud's images.
func (c *LocalConnector) GetAllImages(ctx context.Context, user orders.SystemUser) ([]orders.Image, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_all_images", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return nil, err
	}
	images, err := plugin.GetAllImages(ctx, user)
	c.recordCall(ctx, "get_all_images", "", user, err, started)
	telemetry.RecordError(span, err)
	return images, err
}

// RequestSecurityRule attaches a rule to the order's resource.
func (c *LocalConnector) RequestSecurityRule(ctx context.Context, order *orders.Order, rule orders.SecurityRule, user orders.SystemUser) (string, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "request_security_rule", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return "", err
	}
	ruleID, err := plugin.RequestSecurityRule(ctx, order, rule, user)
	c.recordCall(ctx, "request_security_rule", order.ID, user, err, started)
	telemetry.RecordError(span, err)
	return ruleID, err
}

// GetSecurityRules lists the rules attached to the order's resource.
func (c *LocalConnector) GetSecurityRules(ctx context.Context, order *orders.Order, user orders.SystemUser) ([]orders.SecurityRule, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "get_security_rules", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return nil, err
	}
	rules, err := plugin.GetSecurityRules(ctx, order, user)
	c.recordCall(ctx, "get_security_rules", order.ID, user, err, started)
	telemetry.RecordError(span, err)
	return rules, err
}

// DeleteSecurityRule removes a rule by id.
func (c *LocalConnector) DeleteSecurityRule(ctx context.Context, order *orders.Order, ruleID string, user orders.SystemUser) error {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "delete_security_rule", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return err
	}
	err = plugin.DeleteSecurityRule(ctx, ruleID, user)
	c.recordCall(ctx, "delete_security_rule", order.ID, user, err, started)
	telemetry.RecordError(span, err)
	return err
}

// GenericRequest forwards an opaque request to the cloud's native API.
func (c *LocalConnector) GenericRequest(ctx context.Context, request string, user orders.SystemUser) (string, error) {
	ctx, span := c.tracer.StartConnectorSpan(ctx, "generic_request", c.cloudName, "local")
	defer span.End()
	started := time.Now()

	plugin, err := c.plugin()
	if err != nil {
		return "", err
	}
	response, err := plugin.GenericRequest(ctx, request, user)
	c.recordCall(ctx, "generic_request", "", user, err, started)
	telemetry.RecordError(span, err)
	return response, err
}

var _ CloudConnector = (*LocalConnector)(nil)
