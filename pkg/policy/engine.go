package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// builtinPolicy is applied when no policy file is configured. Local users of
// this member may do anything on its clouds; federated users may provision
// and manage their own orders but not issue generic passthrough requests.
const builtinPolicy = `package fedbroker.authz

import rego.v1

default allow := false

# Users authenticated at this member have full access.
allow if {
	input.user.member_id == input.local_member
}

# Federated users may manage resources through the standard operations.
allow if {
	input.user.member_id != input.local_member
	input.operation.kind != "generic_request"
}
`

// Engine is the OPA-backed Authorizer. The Rego query is prepared once and
// reused for every decision.
type Engine struct {
	mu            sync.RWMutex
	query         rego.PreparedEvalQuery
	localMemberID string
	logger        *telemetry.Logger
}

// NewEngine compiles the built-in policy, or the policy at path when it is
// non-empty, and prepares the authorization query.
func NewEngine(ctx context.Context, path, localMemberID string, logger *telemetry.Logger) (*Engine, error) {
	source := builtinPolicy
	name := "builtin.rego"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		source = string(data)
		name = path
	}

	query, err := rego.New(
		rego.Query("data.fedbroker.authz.allow"),
		rego.Module(name, source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy query: %w", err)
	}

	logger.WithField("policy", name).Info("authorization policy loaded")

	return &Engine{
		query:         query,
		localMemberID: localMemberID,
		logger:        logger,
	}, nil
}

// IsAuthorized evaluates the policy for one operation. Any result other than
// a definite allow is a denial.
func (e *Engine) IsAuthorized(ctx context.Context, user orders.SystemUser, op Operation) error {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	input := map[string]interface{}{
		"local_member": e.localMemberID,
		"user": map[string]interface{}{
			"id":        user.ID,
			"member_id": user.MemberID,
		},
		"operation": map[string]interface{}{
			"kind":          string(op.Kind),
			"resource_type": string(op.ResourceType),
			"cloud_name":    op.CloudName,
			"remote":        op.Remote,
		},
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return orders.NewUnexpectedError("policy evaluation failed", err)
	}

	if results.Allowed() {
		return nil
	}

	e.logger.WithMember(user.MemberID).
		WithField("user", user.ID).
		WithField("operation", op.Kind).
		Debug("operation denied by policy")
	return orders.NewUnauthorizedError(
		fmt.Sprintf("user %s is not allowed to perform %s", user.ID, op.Kind), nil)
}

// Reload replaces the active policy with the one at path.
func (e *Engine) Reload(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	query, err := rego.New(
		rego.Query("data.fedbroker.authz.allow"),
		rego.Module(path, string(data)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()
	e.logger.WithField("policy", path).Info("authorization policy reloaded")
	return nil
}
