// Package chain holds the client-side settlement path: the wallet provider
// abstraction, the chain guard, the transaction executor, and the
// cooperative poller that drives them.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NetworkParams is the immutable parameter record identifying a chain to
// the wallet when it must be registered.
type NetworkParams struct {
	ChainID         uint64   `json:"chainId"`
	Name            string   `json:"chainName"`
	CurrencySymbol  string   `json:"currencySymbol"`
	CurrencyDecimal int      `json:"currencyDecimals"`
	RPCURLs         []string `json:"rpcUrls"`
	ExplorerURL     string   `json:"explorerUrl"`
}

// TxRequest is the submission payload handed to the signing wallet.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Sentinel errors reported by wallet providers, mirroring EIP-1193 error
// codes: 4001 user rejection, 4902 unrecognized chain.
var (
	ErrUserRejected      = errors.New("provider: user rejected request")
	ErrUnrecognizedChain = errors.New("provider: unrecognized chain")
	ErrUnavailable       = errors.New("provider: no signing capability reachable")
)

// WalletProvider is the external signing wallet treated as a black box with
// the capability set {query chain, switch chain, register chain, sign and
// submit}. SendTransaction blocks until the wallet returns a settlement
// receipt; the signing prompt is unboundedly long and user-attended.
type WalletProvider interface {
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	AddChain(ctx context.Context, params NetworkParams) error
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
}
