package chain

import (
	"context"
	"errors"

	"voucherswap/fault"
)

// Guard verifies the signing wallet is on the required chain before any
// submission. A submission on the wrong chain is indistinguishable from
// success until it fails downstream, so every failure here is reported.
type Guard struct {
	provider WalletProvider
	params   NetworkParams
}

// NewGuard builds a guard for the given network.
func NewGuard(provider WalletProvider, params NetworkParams) *Guard {
	return &Guard{provider: provider, params: params}
}

// EnsureChain reads the wallet's current chain and, on mismatch, requests a
// switch. If the wallet does not know the chain, the guard registers the
// network definition and retries the switch exactly once.
func (g *Guard) EnsureChain(ctx context.Context) error {
	if g == nil || g.provider == nil {
		return fault.New(fault.ProviderUnavailable, "no signing capability reachable")
	}
	current, err := g.provider.ChainID(ctx)
	if err != nil {
		return fault.Wrap(fault.ProviderUnavailable, "query wallet chain", err)
	}
	if current == g.params.ChainID {
		return nil
	}
	switch err := g.provider.SwitchChain(ctx, g.params.ChainID); {
	case err == nil:
		return nil
	case errors.Is(err, ErrUserRejected):
		return fault.Wrap(fault.ChainSwitchRejected, "wallet declined chain switch", err)
	case errors.Is(err, ErrUnrecognizedChain):
		if err := g.provider.AddChain(ctx, g.params); err != nil {
			return fault.Wrap(fault.ChainRegistrationFailed, "wallet cannot register chain", err)
		}
		switch err := g.provider.SwitchChain(ctx, g.params.ChainID); {
		case err == nil:
			return nil
		case errors.Is(err, ErrUserRejected):
			return fault.Wrap(fault.ChainSwitchRejected, "wallet declined chain switch", err)
		default:
			return fault.Wrap(fault.ProviderUnavailable, "chain switch after registration", err)
		}
	default:
		return fault.Wrap(fault.ProviderUnavailable, "chain switch", err)
	}
}
