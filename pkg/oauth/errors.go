package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies failures of identity-provider operations. The refresh
// orchestrator's retry policy, the circuit breaker, and the loop guard all key
// off this classification, so every error that crosses a component boundary
// should carry one.
type ErrorKind string

const (
	// KindNetwork covers transport failures and timeouts. Transient;
	// tolerated by the most generous retry budget.
	KindNetwork ErrorKind = "network"

	// KindInvalidRefreshToken means the provider rejected the refresh token
	// itself (invalid_grant). Unrecoverable for the refresh-token strategy.
	KindInvalidRefreshToken ErrorKind = "invalid_refresh_token"

	// KindPermissionDenied covers 401/403-class rejections other than
	// invalid_grant. No retry.
	KindPermissionDenied ErrorKind = "permission_denied"

	// KindServerError covers provider 5xx responses. Moderate retry budget.
	KindServerError ErrorKind = "server_error"

	// KindCancelled marks a cooperatively cancelled operation. Never counts
	// toward failure thresholds.
	KindCancelled ErrorKind = "cancelled"

	// KindLoopDetected is a synthetic local error raised by the loop guard
	// before any network call.
	KindLoopDetected ErrorKind = "loop_detected"

	// KindCircuitOpen is a synthetic local error raised when the circuit
	// breaker rejects a strategy before any network call.
	KindCircuitOpen ErrorKind = "circuit_open"
)

// FlowError is an identity-provider operation failure with a classification.
type FlowError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is/errors.As chains.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// NewFlowError creates a classified error wrapping an optional cause.
func NewFlowError(kind ErrorKind, message string, err error) *FlowError {
	return &FlowError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classification of err. Unclassified transport-level
// errors are treated as network failures; context cancellation is Cancelled.
// A nil error has no kind and returns "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	return KindNetwork
}

// IsRetryable reports whether errors of this kind may be retried at all.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindNetwork, KindServerError:
		return true
	default:
		return false
	}
}

// classifyTokenResponse maps a token endpoint failure to an ErrorKind using
// the HTTP status and the OAuth error code from the response body.
func classifyTokenResponse(status int, oauthCode string) ErrorKind {
	// invalid_grant means the refresh token (or code) itself is bad,
	// regardless of whether the provider used 400 or 401 for it.
	if oauthCode == "invalid_grant" || oauthCode == "invalid_token" {
		return KindInvalidRefreshToken
	}

	switch {
	case status == 401 || status == 403:
		return KindPermissionDenied
	case status >= 500:
		return KindServerError
	default:
		return KindPermissionDenied
	}
}
