package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/fedbroker/fedbroker/pkg/connectors"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// Client is the HTTP client side of the inter-member protocol. Every call is
// bounded by the configured timeout; a timeout or transport failure surfaces
// as an Unavailable error so processors treat the peer as unreachable rather
// than blocking or counting retries. Trace context is propagated to the peer
// through the standard OTel headers.
type Client struct {
	localMemberID string
	peers         map[string]string
	http          *http.Client
	logger        *telemetry.Logger
}

// NewClient creates the protocol client. peers maps member ids to base URLs.
func NewClient(localMemberID string, peers map[string]string, timeout time.Duration, logger *telemetry.Logger) *Client {
	return &Client{
		localMemberID: localMemberID,
		peers:         peers,
		http:          &http.Client{Timeout: timeout},
		logger:        logger.NewComponentLogger("federation-client"),
	}
}

var _ connectors.RemoteClient = (*Client)(nil)

func (c *Client) baseURL(memberID string) (string, error) {
	base, ok := c.peers[memberID]
	if !ok {
		return "", orders.NewInvalidParameterError(fmt.Sprintf("unknown federation member %s", memberID), nil)
	}
	return base, nil
}

// post sends one protocol request and decodes the response into out when out
// is non-nil.
func (c *Client) post(ctx context.Context, memberID, path string, body, out interface{}) error {
	base, err := c.baseURL(memberID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return orders.NewUnexpectedError("failed to encode protocol request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return orders.NewUnexpectedError("failed to build protocol request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return orders.NewUnavailableError(fmt.Sprintf("member %s unreachable", memberID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(memberID, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return orders.NewUnavailableError(fmt.Sprintf("malformed response from member %s", memberID), err)
	}
	return nil
}

// decodeError rebuilds the typed error the peer raised. A body that does not
// parse falls back to the status-code mapping.
func (c *Client) decodeError(memberID string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var wire ErrorResponse
	if err := json.Unmarshal(data, &wire); err == nil && wire.Class != "" {
		return &orders.BrokerError{Class: wire.Class, Message: wire.Message, OrderID: wire.OrderID}
	}

	msg := fmt.Sprintf("member %s rejected the request with status %d", memberID, resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return orders.NewNotFoundError(msg, nil)
	case http.StatusForbidden:
		return orders.NewUnauthorizedError(msg, nil)
	case http.StatusBadRequest:
		return orders.NewInvalidParameterError(msg, nil)
	case http.StatusServiceUnavailable:
		return orders.NewUnavailableError(msg, nil)
	}
	return orders.NewUnexpectedError(msg, nil)
}

// ActivateOrder creates the order at the providing member.
func (c *Client) ActivateOrder(ctx context.Context, memberID string, snapshot orders.Order) error {
	return c.post(ctx, memberID, PathActivateOrder, &OrderRequest{
		MemberID: c.localMemberID,
		User:     snapshot.SystemUser,
		Order:    snapshot,
	}, nil)
}

// GetInstance fetches the provider's view of the order's instance.
func (c *Client) GetInstance(ctx context.Context, memberID string, snapshot orders.Order) (*orders.Instance, error) {
	var out InstanceResponse
	err := c.post(ctx, memberID, PathGetInstance, &OrderRequest{
		MemberID: c.localMemberID,
		User:     snapshot.SystemUser,
		Order:    snapshot,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Instance, nil
}

// DeleteOrder asks the provider to delete its copy of the order.
func (c *Client) DeleteOrder(ctx context.Context, memberID string, snapshot orders.Order) error {
	return c.post(ctx, memberID, PathDeleteOrder, &OrderRequest{
		MemberID: c.localMemberID,
		User:     snapshot.SystemUser,
		Order:    snapshot,
	}, nil)
}

// StopOrder asks the provider to stop the order's instance.
func (c *Client) StopOrder(ctx context.Context, memberID string, snapshot orders.Order) error {
	return c.post(ctx, memberID, PathStopOrder, &OrderRequest{
		MemberID: c.localMemberID,
		User:     snapshot.SystemUser,
		Order:    snapshot,
	}, nil)
}

// GetUserQuota fetches the user's quota at the member's cloud.
func (c *Client) GetUserQuota(ctx context.Context, memberID, cloudName string, user orders.SystemUser, resourceType orders.ResourceType) (*orders.Quota, error) {
	var out QuotaResponse
	err := c.post(ctx, memberID, PathGetUserQuota, &CloudRequest{
		MemberID:     c.localMemberID,
		CloudName:    cloudName,
		User:         user,
		ResourceType: resourceType,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Quota, nil
}

// GetImage fetches one image from the member's cloud.
func (c *Client) GetImage(ctx context.Context, memberID, cloudName, imageID string, user orders.SystemUser) (*orders.Image, error) {
	var out ImageResponse
	err := c.post(ctx, memberID, PathGetImage, &CloudRequest{
		MemberID:  c.localMemberID,
		CloudName: cloudName,
		User:      user,
		ImageID:   imageID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Image, nil
}

// GetAllImages lists the member's cloud images.
func (c *Client) GetAllImages(ctx context.Context, memberID, cloudName string, user orders.SystemUser) ([]orders.Image, error) {
	var out ImagesResponse
	err := c.post(ctx, memberID, PathGetAllImages, &CloudRequest{
		MemberID:  c.localMemberID,
		CloudName: cloudName,
		User:      user,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Images, nil
}

// RequestSecurityRule attaches a rule at the providing member.
func (c *Client) RequestSecurityRule(ctx context.Context, memberID string, snapshot orders.Order, rule orders.SecurityRule, user orders.SystemUser) (string, error) {
	var out SecurityRuleResponse
	err := c.post(ctx, memberID, PathRequestSecurityRule, &SecurityRuleRequest{
		MemberID: c.localMemberID,
		User:     user,
		Order:    snapshot,
		Rule:     rule,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.RuleID, nil
}

// GetSecurityRules lists the rules attached at the providing member.
func (c *Client) GetSecurityRules(ctx context.Context, memberID string, snapshot orders.Order, user orders.SystemUser) ([]orders.SecurityRule, error) {
	var out SecurityRulesResponse
	err := c.post(ctx, memberID, PathGetSecurityRules, &SecurityRuleRequest{
		MemberID: c.localMemberID,
		User:     user,
		Order:    snapshot,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// DeleteSecurityRule removes a rule at the providing member.
func (c *Client) DeleteSecurityRule(ctx context.Context, memberID string, snapshot orders.Order, ruleID string, user orders.SystemUser) error {
	return c.post(ctx, memberID, PathDeleteSecurityRule, &SecurityRuleRequest{
		MemberID: c.localMemberID,
		User:     user,
		Order:    snapshot,
		RuleID:   ruleID,
	}, nil)
}

// GenericRequest forwards an opaque request to the member's cloud.
func (c *Client) GenericRequest(ctx context.Context, memberID, cloudName, request string, user orders.SystemUser) (string, error) {
	var out GenericResponse
	err := c.post(ctx, memberID, PathGenericRequest, &CloudRequest{
		MemberID:  c.localMemberID,
		CloudName: cloudName,
		User:      user,
		Request:   request,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Response, nil
}

// GetCloudNames lists the clouds served by a member.
func (c *Client) GetCloudNames(ctx context.Context, memberID string, user orders.SystemUser) ([]string, error) {
	var out CloudNamesResponse
	err := c.post(ctx, memberID, PathGetCloudNames, &CloudRequest{
		MemberID: c.localMemberID,
		User:     user,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.CloudNames, nil
}

// SendOrderEvent pushes a settlement event to the requesting member.
func (c *Client) SendOrderEvent(ctx context.Context, memberID string, event orders.OrderEvent) error {
	return c.post(ctx, memberID, PathOrderEvent, &EventRequest{
		MemberID: c.localMemberID,
		Event:    event,
	}, nil)
}
