// Package clouds defines the contract cloud-specific plugins implement and
// the registry the broker resolves them from. One plugin serves one cloud
// configured at the local member; each translates broker orders into calls
// against that cloud's API.
package clouds

import (
	"context"

	"github.com/fedbroker/fedbroker/pkg/orders"
)

// Plugin is the provisioning contract consumed by the local cloud connector.
// Implementations must classify failures with the orders error taxonomy:
// in particular, an unreachable backend must surface as an Unavailable error
// and a missing instance as NotFound, since the engine's retry policy keys
// off those classes.
type Plugin interface {
	// RequestInstance asks the cloud to provision the resource described by
	// the order and returns the backend-assigned instance id.
	RequestInstance(ctx context.Context, order *orders.Order, user orders.SystemUser) (string, error)

	// GetInstance fetches the current backend view of the order's instance.
	GetInstance(ctx context.Context, order *orders.Order, user orders.SystemUser) (*orders.Instance, error)

	// DeleteInstance removes the backend instance. Deleting an instance that
	// no longer exists returns a NotFound error, which callers treat as
	// already-deleted.
	DeleteInstance(ctx context.Context, order *orders.Order, user orders.SystemUser) error

	// StopInstance asks the cloud to power off a compute instance. The
	// engine polls GetInstance afterwards until the instance reports
	// stopped.
	StopInstance(ctx context.Context, order *orders.Order, user orders.SystemUser) error

	// GetUserQuota returns the user's limits and usage for a resource type.
	GetUserQuota(ctx context.Context, user orders.SystemUser, resourceType orders.ResourceType) (*orders.Quota, error)

	// GetImage returns one bootable image by id.
	GetImage(ctx context.Context, imageID string, user orders.SystemUser) (*orders.Image, error)

	// GetAllImages lists the images published by the cloud.
	GetAllImages(ctx context.Context, user orders.SystemUser) ([]orders.Image, error)

	// RequestSecurityRule attaches a security rule to the order's resource
	// and returns the rule id.
	RequestSecurityRule(ctx context.Context, order *orders.Order, rule orders.SecurityRule, user orders.SystemUser) (string, error)

	// GetSecurityRules lists the rules attached to the order's resource.
	GetSecurityRules(ctx context.Context, order *orders.Order, user orders.SystemUser) ([]orders.SecurityRule, error)

	// DeleteSecurityRule removes a rule by id.
	DeleteSecurityRule(ctx context.Context, ruleID string, user orders.SystemUser) error

	// GenericRequest forwards an opaque request to the cloud's native API.
	GenericRequest(ctx context.Context, request string, user orders.SystemUser) (string, error)
}
