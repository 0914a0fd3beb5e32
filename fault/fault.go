// Package fault defines the error taxonomy shared by the queue, order store,
// chain components, and voucher vault. Every error that crosses a component
// boundary carries an explicit Kind so callers match on the kind instead of
// walking a type hierarchy.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the failure classes surfaced by the engine.
type Kind string

const (
	// Network / transport failures. Retried transparently by the next poll
	// tick; surfaced only after repeated failure.
	FetchFailed         Kind = "fetch_failed"
	ProviderUnavailable Kind = "provider_unavailable"

	// Wallet interaction failures. Terminal for the attempt; the queue entry
	// is left in a re-attemptable state.
	UserRejected            Kind = "user_rejected"
	ChainSwitchRejected     Kind = "chain_switch_rejected"
	ChainRegistrationFailed Kind = "chain_registration_failed"
	SubmissionFailed        Kind = "submission_failed"

	// Validation failures. Rejected before any state mutation.
	AmountMismatch     Kind = "amount_mismatch"
	VoucherExpired     Kind = "voucher_expired"
	OrderNotFound      Kind = "order_not_found"
	OrderAlreadyFilled Kind = "order_already_filled"
	OrderCancelled     Kind = "order_cancelled"
	OrderExpired       Kind = "order_expired"
	Unauthorized       Kind = "unauthorized"
	SameUser           Kind = "same_user"

	// Consistency failures. Indicate a lost race; callers re-fetch and decide.
	StaleOrderState   Kind = "stale_order_state"
	InvalidTransition Kind = "invalid_transition"

	// Disclosure failures. Terminal; no partial information about which
	// sub-check failed.
	DecryptionFailed     Kind = "decryption_failed"
	ImageAlreadyConsumed Kind = "image_already_consumed"
)

// Error is the single tagged error type used across the engine.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, fault.New(kind, "")) works; in
// practice callers use IsKind.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// New returns a tagged error with a human-readable summary.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf formats a tagged error.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and summary.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind carried by err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether retrying without correcting the input could
// succeed. Network and wallet-rejection failures are; validation and
// consistency failures are not.
func Retryable(kind Kind) bool {
	switch kind {
	case FetchFailed, ProviderUnavailable, UserRejected, ChainSwitchRejected, SubmissionFailed:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the status code reported at the REST boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case OrderNotFound:
		return http.StatusNotFound
	case Unauthorized, SameUser, DecryptionFailed:
		return http.StatusForbidden
	case OrderAlreadyFilled, OrderCancelled, OrderExpired, StaleOrderState, InvalidTransition:
		return http.StatusConflict
	case AmountMismatch, VoucherExpired:
		return http.StatusUnprocessableEntity
	case ImageAlreadyConsumed:
		return http.StatusGone
	case ProviderUnavailable:
		return http.StatusServiceUnavailable
	case FetchFailed, SubmissionFailed:
		return http.StatusBadGateway
	case UserRejected, ChainSwitchRejected, ChainRegistrationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
