package orders

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a broker error for propagation and retry policy.
type ErrorClass string

const (
	// ErrorClassNotFound indicates the order or backend instance is absent.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassUnauthorized indicates an authenticated but not permitted caller.
	ErrorClassUnauthorized ErrorClass = "unauthorized"

	// ErrorClassInvalidParameter covers bad requests and consistency
	// violations: requester/provider mismatch, ownership mismatch,
	// resource-type mismatch between endpoint and stored order.
	ErrorClassInvalidParameter ErrorClass = "invalid_parameter"

	// ErrorClassNoAvailableResources indicates the backend cannot satisfy
	// the request.
	ErrorClassNoAvailableResources ErrorClass = "no_available_resources"

	// ErrorClassUnavailable indicates the peer or backend is unreachable.
	// Unavailable errors are connectivity errors: processors escalate them
	// to UNABLE_TO_CHECK_STATUS instead of counting them against the
	// failure threshold.
	ErrorClassUnavailable ErrorClass = "unavailable"

	// ErrorClassUnexpected indicates a programming or invariant violation.
	ErrorClassUnexpected ErrorClass = "unexpected"
)

// BrokerError is the typed error surface shared by the controller, the
// connectors and the federation protocol.
type BrokerError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	OrderID string     `json:"order_id,omitempty"`
	Err     error      `json:"-"`
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("[%s] %s (order=%s)%s", e.Class, e.Message, e.OrderID, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
}

func (e *BrokerError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is matches broker errors by class so errors.Is can compare sentinels.
func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithOrder attaches the order id to the error.
func (e *BrokerError) WithOrder(orderID string) *BrokerError {
	e.OrderID = orderID
	return e
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *BrokerError {
	return &BrokerError{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewUnauthorizedError creates an unauthorized error.
func NewUnauthorizedError(message string, err error) *BrokerError {
	return &BrokerError{Class: ErrorClassUnauthorized, Message: message, Err: err}
}

// NewInvalidParameterError creates a bad-request/consistency error.
func NewInvalidParameterError(message string, err error) *BrokerError {
	return &BrokerError{Class: ErrorClassInvalidParameter, Message: message, Err: err}
}

// NewNoAvailableResourcesError creates a capacity error.
func NewNoAvailableResourcesError(message string, err error) *BrokerError {
	return &BrokerError{Class: ErrorClassNoAvailableResources, Message: message, Err: err}
}

// NewUnavailableError creates a connectivity error.
func NewUnavailableError(message string, err error) *BrokerError {
	return &BrokerError{Class: ErrorClassUnavailable, Message: message, Err: err}
}

// NewUnexpectedError creates an invariant-violation error.
func NewUnexpectedError(message string, err error) *BrokerError {
	return &BrokerError{Class: ErrorClassUnexpected, Message: message, Err: err}
}

func classOf(err error) (ErrorClass, bool) {
	var e *BrokerError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsNotFound reports whether err is classified as not-found.
func IsNotFound(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassNotFound
}

// IsUnauthorized reports whether err is classified as unauthorized.
func IsUnauthorized(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassUnauthorized
}

// IsInvalidParameter reports whether err is classified as a bad request.
func IsInvalidParameter(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassInvalidParameter
}

// IsUnavailable reports whether err is a connectivity error.
func IsUnavailable(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassUnavailable
}

// IsNoAvailableResources reports whether err is a capacity error.
func IsNoAvailableResources(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassNoAvailableResources
}

// IsRetryable reports whether a polling processor may retry after err.
// Connectivity errors are not retryable through the counter: they escalate
// immediately to UNABLE_TO_CHECK_STATUS.
func IsRetryable(err error) bool {
	c, ok := classOf(err)
	if !ok {
		// Unclassified errors are treated as transient backend noise and
		// counted against the failure threshold.
		return true
	}
	switch c {
	case ErrorClassUnavailable, ErrorClassUnauthorized, ErrorClassInvalidParameter:
		return false
	}
	return true
}
