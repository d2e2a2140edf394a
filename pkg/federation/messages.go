// Package federation implements the inter-member protocol: the facade a
// providing member exposes to remote requesters, the event handler a
// requester applies provider pushes with, and the JSON/HTTP server and
// client carrying both.
package federation

import (
	"github.com/fedbroker/fedbroker/pkg/orders"
)

// Protocol endpoint paths. Every operation is a POST with a JSON body; the
// caller's member id travels in the body and is checked against the order's
// recorded requester or provider.
const (
	PathActivateOrder       = "/federation/v1/activate-order"
	PathGetInstance         = "/federation/v1/get-instance"
	PathDeleteOrder         = "/federation/v1/delete-order"
	PathStopOrder           = "/federation/v1/stop-order"
	PathGetUserQuota        = "/federation/v1/get-user-quota"
	PathGetImage            = "/federation/v1/get-image"
	PathGetAllImages        = "/federation/v1/get-all-images"
	PathRequestSecurityRule = "/federation/v1/request-security-rule"
	PathGetSecurityRules    = "/federation/v1/get-security-rules"
	PathDeleteSecurityRule  = "/federation/v1/delete-security-rule"
	PathGenericRequest      = "/federation/v1/generic-request"
	PathGetCloudNames       = "/federation/v1/get-cloud-names"
	PathOrderEvent          = "/federation/v1/order-event"
)

// OrderRequest is the envelope for operations bound to one order. Order is
// the caller's snapshot of it.
type OrderRequest struct {
	MemberID string            `json:"member_id"`
	User     orders.SystemUser `json:"user"`
	Order    orders.Order      `json:"order"`
}

// CloudRequest is the envelope for operations addressed to a member/cloud
// pair rather than an order.
type CloudRequest struct {
	MemberID     string              `json:"member_id"`
	CloudName    string              `json:"cloud_name"`
	User         orders.SystemUser   `json:"user"`
	ResourceType orders.ResourceType `json:"resource_type,omitempty"`
	ImageID      string              `json:"image_id,omitempty"`
	RuleID       string              `json:"rule_id,omitempty"`
	Request      string              `json:"request,omitempty"`
}

// SecurityRuleRequest attaches or lists rules on one order's resource.
type SecurityRuleRequest struct {
	MemberID string              `json:"member_id"`
	User     orders.SystemUser   `json:"user"`
	Order    orders.Order        `json:"order"`
	Rule     orders.SecurityRule `json:"rule,omitempty"`
	RuleID   string              `json:"rule_id,omitempty"`
}

// EventRequest is the envelope for the provider push notification.
type EventRequest struct {
	MemberID string            `json:"member_id"`
	Event    orders.OrderEvent `json:"event"`
}

// InstanceResponse carries a fetched instance view.
type InstanceResponse struct {
	Instance *orders.Instance `json:"instance"`
}

// QuotaResponse carries a user quota.
type QuotaResponse struct {
	Quota *orders.Quota `json:"quota"`
}

// ImageResponse carries one image.
type ImageResponse struct {
	Image *orders.Image `json:"image"`
}

// ImagesResponse carries an image catalog.
type ImagesResponse struct {
	Images []orders.Image `json:"images"`
}

// SecurityRuleResponse carries a created rule id.
type SecurityRuleResponse struct {
	RuleID string `json:"rule_id"`
}

// SecurityRulesResponse carries the rules attached to an order's resource.
type SecurityRulesResponse struct {
	Rules []orders.SecurityRule `json:"rules"`
}

// GenericResponse carries an opaque cloud response.
type GenericResponse struct {
	Response string `json:"response"`
}

// CloudNamesResponse lists the clouds served by a member.
type CloudNamesResponse struct {
	CloudNames []string `json:"cloud_names"`
}

// ErrorResponse is the wire form of a broker error. The class round-trips so
// the requester rebuilds the same typed error the provider raised.
type ErrorResponse struct {
	Class   orders.ErrorClass `json:"class"`
	Message string            `json:"message"`
	OrderID string            `json:"order_id,omitempty"`
}
