package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"voucherswap/fault"
	"voucherswap/models"
	"voucherswap/observability"
	"voucherswap/txqueue"
)

// Executor pulls one queued transaction through chain verification, wallet
// signing, and settlement, updating the queue entry at every commit point.
type Executor struct {
	guard    *Guard
	provider WalletProvider
	queue    *txqueue.Queue
	logger   *slog.Logger
}

// NewExecutor wires an executor to its guard, wallet, and queue.
func NewExecutor(guard *Guard, provider WalletProvider, queue *txqueue.Queue, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{guard: guard, provider: provider, queue: queue, logger: logger}
}

// Execute settles one queue entry. The entry is marked submitted before the
// wallet signature is requested: the prompt is the only unboundedly long
// step, and without the early flip a second poll cycle could re-select the
// same pending entry and open a duplicate prompt.
func (e *Executor) Execute(ctx context.Context, entry models.PendingTransaction) (common.Hash, error) {
	metrics := observability.Engine()
	if err := e.guard.EnsureChain(ctx); err != nil {
		metrics.SubmissionOutcome("chain_guard_failed")
		return common.Hash{}, err
	}

	if _, err := e.queue.UpdateStatus(ctx, entry.ID, models.TxSubmitted, ""); err != nil {
		return common.Hash{}, fmt.Errorf("mark submitted: %w", err)
	}

	req, err := buildRequest(entry)
	if err != nil {
		if _, uerr := e.queue.UpdateStatus(ctx, entry.ID, models.TxFailed, ""); uerr != nil {
			e.logger.Error("mark failed after bad request", "id", entry.ID, "err", uerr)
		}
		metrics.SubmissionOutcome("failed")
		return common.Hash{}, fault.Wrap(fault.SubmissionFailed, "build wallet request", err)
	}

	hash, err := e.provider.SendTransaction(ctx, req)
	switch {
	case err == nil:
		if _, uerr := e.queue.UpdateStatus(ctx, entry.ID, models.TxConfirmed, hash.Hex()); uerr != nil {
			e.logger.Error("mark confirmed", "id", entry.ID, "err", uerr)
			return hash, uerr
		}
		metrics.SubmissionOutcome("confirmed")
		e.logger.Info("transaction settled", "id", entry.ID, "hash", hash.Hex(), "kind", entry.IntentKind)
		return hash, nil
	case errors.Is(err, ErrUserRejected):
		if _, uerr := e.queue.UpdateStatus(ctx, entry.ID, models.TxRejected, ""); uerr != nil {
			e.logger.Error("mark rejected", "id", entry.ID, "err", uerr)
		}
		metrics.SubmissionOutcome("rejected")
		return common.Hash{}, fault.Wrap(fault.UserRejected, "wallet declined signature", err)
	default:
		if _, uerr := e.queue.UpdateStatus(ctx, entry.ID, models.TxFailed, ""); uerr != nil {
			e.logger.Error("mark failed", "id", entry.ID, "err", uerr)
		}
		metrics.SubmissionOutcome("failed")
		return common.Hash{}, fault.Wrap(fault.SubmissionFailed, "wallet submission", err)
	}
}

func buildRequest(entry models.PendingTransaction) (TxRequest, error) {
	if !common.IsHexAddress(entry.To) {
		return TxRequest{}, fmt.Errorf("invalid recipient %q", entry.To)
	}
	value := new(big.Int)
	if entry.Value != "" {
		parsed, ok := value.SetString(entry.Value, 10)
		if !ok {
			return TxRequest{}, fmt.Errorf("invalid value %q", entry.Value)
		}
		value = parsed
	}
	var data []byte
	if entry.Data != "" {
		decoded, err := hexutil.Decode(entry.Data)
		if err != nil {
			return TxRequest{}, fmt.Errorf("invalid call data: %w", err)
		}
		data = decoded
	}
	req := TxRequest{
		To:    common.HexToAddress(entry.To),
		Value: value,
		Data:  data,
	}
	if common.IsHexAddress(entry.WalletAddress) {
		req.From = common.HexToAddress(entry.WalletAddress)
	}
	return req, nil
}
