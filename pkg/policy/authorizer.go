// Package policy decides whether a principal may perform a broker operation.
// Decisions are delegated to a Rego policy evaluated by OPA; a built-in
// policy applies unless the operator configures their own.
package policy

import (
	"context"

	"github.com/fedbroker/fedbroker/pkg/orders"
)

// OperationKind names a broker operation class for authorization purposes.
type OperationKind string

const (
	OpCreate         OperationKind = "create"
	OpGet            OperationKind = "get"
	OpDelete         OperationKind = "delete"
	OpStop           OperationKind = "stop"
	OpGetQuota       OperationKind = "get_quota"
	OpGetImages      OperationKind = "get_images"
	OpSecurityRules  OperationKind = "security_rules"
	OpGenericRequest OperationKind = "generic_request"
)

// Operation describes the action being authorized.
type Operation struct {
	Kind         OperationKind       `json:"kind"`
	ResourceType orders.ResourceType `json:"resource_type,omitempty"`
	CloudName    string              `json:"cloud_name,omitempty"`

	// Remote marks operations arriving through the federation protocol
	// rather than the local API.
	Remote bool `json:"remote"`
}

// Authorizer is consulted before every controller and facade operation.
// A denial surfaces as an Unauthorized broker error.
type Authorizer interface {
	IsAuthorized(ctx context.Context, user orders.SystemUser, op Operation) error
}

// AllowAll authorizes everything. Used by tests.
type AllowAll struct{}

// IsAuthorized implements Authorizer.
func (AllowAll) IsAuthorized(context.Context, orders.SystemUser, Operation) error {
	return nil
}
