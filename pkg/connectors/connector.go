// Package connectors hides whether an order is provisioned by an in-process
// cloud plugin or by a remote federation member. The factory resolves the
// variant by comparing the order's provider to the local member id; the rest
// of the engine is oblivious to locality.
package connectors

import (
	"context"

	"github.com/fedbroker/fedbroker/pkg/orders"
)

// CloudConnector dispatches provisioning operations for one order or one
// member/cloud pair. Both variants surface failures through the orders error
// taxonomy so callers never branch on locality.
type CloudConnector interface {
	// RequestInstance provisions the order's resource. The local variant
	// returns the backend instance id; the remote variant activates the
	// order at the providing member and returns an empty id, since instance
	// ids live only at the provider.
	RequestInstance(ctx context.Context, order *orders.Order) (string, error)

	// GetInstance fetches the current view of the order's instance.
	GetInstance(ctx context.Context, order *orders.Order) (*orders.Instance, error)

	// DeleteInstance removes the order's backend resource, or asks the
	// providing member to delete its copy of the order.
	DeleteInstance(ctx context.Context, order *orders.Order) error

	// StopInstance powers off the order's compute instance, or asks the
	// providing member to stop its copy of the order.
	StopInstance(ctx context.Context, order *orders.Order) error

	// GetUserQuota returns the user's limits and usage for a resource type.
	GetUserQuota(ctx context.Context, user orders.SystemUser, resourceType orders.ResourceType) (*orders.Quota, error)

	// GetImage returns one bootable image by id.
	GetImage(ctx context.Context, imageID string, user orders.SystemUser) (*orders.Image, error)

	// GetAllImages lists the images published by the target cloud.
	GetAllImages(ctx context.Context, user orders.SystemUser) ([]orders.Image, error)

	// RequestSecurityRule attaches a rule to the order's resource.
	RequestSecurityRule(ctx context.Context, order *orders.Order, rule orders.SecurityRule, user orders.SystemUser) (string, error)

	// GetSecurityRules lists the rules attached to the order's resource.
	GetSecurityRules(ctx context.Context, order *orders.Order, user orders.SystemUser) ([]orders.SecurityRule, error)

	// DeleteSecurityRule removes a rule by id from the order's resource.
	DeleteSecurityRule(ctx context.Context, order *orders.Order, ruleID string, user orders.SystemUser) error

	// GenericRequest forwards an opaque request to the cloud's native API.
	GenericRequest(ctx context.Context, request string, user orders.SystemUser) (string, error)
}

// RemoteClient ships connector operations to a peer member over the
// federation protocol. Implemented by the federation HTTP client; injected
// here so the connector layer carries no transport dependency.
type RemoteClient interface {
	ActivateOrder(ctx context.Context, memberID string, snapshot orders.Order) error
	GetInstance(ctx context.Context, memberID string, snapshot orders.Order) (*orders.Instance, error)
	DeleteOrder(ctx context.Context, memberID string, snapshot orders.Order) error
	StopOrder(ctx context.Context, memberID string, snapshot orders.Order) error
	GetUserQuota(ctx context.Context, memberID, cloudName string, user orders.SystemUser, resourceType orders.ResourceType) (*orders.Quota, error)
	GetImage(ctx context.Context, memberID, cloudName, imageID string, user orders.SystemUser) (*orders.Image, error)
	GetAllImages(ctx context.Context, memberID, cloudName string, user orders.SystemUser) ([]orders.Image, error)
	RequestSecurityRule(ctx context.Context, memberID string, snapshot orders.Order, rule orders.SecurityRule, user orders.SystemUser) (string, error)
	GetSecurityRules(ctx context.Context, memberID string, snapshot orders.Order, user orders.SystemUser) ([]orders.SecurityRule, error)
	DeleteSecurityRule(ctx context.Context, memberID string, snapshot orders.Order, ruleID string, user orders.SystemUser) error
	GenericRequest(ctx context.Context, memberID, cloudName, request string, user orders.SystemUser) (string, error)
}
