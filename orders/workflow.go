package orders

import (
	"voucherswap/fault"
	"voucherswap/models"
)

// Supported tradeable token symbols.
var SupportedTokens = []string{"USDC", "USDT", "DAI"}

// IsSupportedToken reports whether the symbol is tradeable.
func IsSupportedToken(symbol string) bool {
	for _, t := range SupportedTokens {
		if t == symbol {
			return true
		}
	}
	return false
}

// allowedTransitions encodes the shared forward-only order lifecycle.
// Filled, cancelled, and expired are terminal.
var allowedTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending: {models.OrderActive, models.OrderExpired},
	models.OrderActive:  {models.OrderFilled, models.OrderCancelled, models.OrderExpired},
}

// ValidateTransition ensures the transition follows the defined state
// machine. Repeating the current status is permitted (idempotent no-op).
func ValidateTransition(current, next models.OrderStatus) error {
	if current == next {
		return nil
	}
	for _, s := range allowedTransitions[current] {
		if s == next {
			return nil
		}
	}
	return fault.Newf(fault.InvalidTransition, "order transition %s -> %s is not permitted", current, next)
}

// statusFault maps a terminal or premature order status to the validation
// fault reported to callers attempting to act on it.
func statusFault(status models.OrderStatus) error {
	switch status {
	case models.OrderFilled:
		return fault.New(fault.OrderAlreadyFilled, "order is already filled")
	case models.OrderCancelled:
		return fault.New(fault.OrderCancelled, "order is cancelled")
	case models.OrderExpired:
		return fault.New(fault.OrderExpired, "order is expired")
	case models.OrderPending:
		return fault.New(fault.InvalidTransition, "order is not active yet")
	default:
		return nil
	}
}
