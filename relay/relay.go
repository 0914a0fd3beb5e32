// Package relay reconciles settled queue entries back into marketplace
// order state. It is the only writer that moves orders to filled and the
// only component that retires confirmed queue entries to completed.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voucherswap/fault"
	"voucherswap/models"
	"voucherswap/observability"
	"voucherswap/orders"
	"voucherswap/txqueue"
)

// Config captures the dependencies required to construct a Relay.
type Config struct {
	Queue    *txqueue.Queue
	Orders   *orders.Store
	Interval time.Duration
	Logger   *slog.Logger
}

// Relay periodically sweeps the transaction queue for entries whose
// settlement has resolved and applies the corresponding order transition.
// Every step is idempotent so overlapping or repeated sweeps converge on
// the same state.
type Relay struct {
	queue    *txqueue.Queue
	orders   *orders.Store
	interval time.Duration
	logger   *slog.Logger
}

// New builds a relay with sane defaults.
func New(cfg Config) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		queue:    cfg.Queue,
		orders:   cfg.Orders,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}
}

// Start runs the reconciliation loop until the context is cancelled. One
// sweep runs immediately so a freshly restarted service heals promptly.
func (r *Relay) Start(ctx context.Context) {
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconciliation sweep failed", "err", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", "err", err)
			}
		}
	}
}

// RunOnce performs a single reconciliation sweep: expire stale orders, then
// resolve every queue entry whose settlement outcome is known.
func (r *Relay) RunOnce(ctx context.Context) error {
	metrics := observability.Engine()

	expired, err := r.orders.ExpireStale(ctx)
	if err != nil {
		r.logger.Error("expiry sweep failed", "err", err)
	} else if expired > 0 {
		metrics.OrdersExpired(expired)
		r.logger.Info("orders expired", "count", expired)
	}

	entries, err := r.queue.ListReconcilable(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		outcome := r.reconcile(ctx, entry)
		metrics.RelayOutcome(outcome)
	}
	return nil
}

func (r *Relay) reconcile(ctx context.Context, entry models.PendingTransaction) string {
	if entry.OrderID == nil {
		return "noop"
	}
	orderID := *entry.OrderID
	log := r.logger.With("entry", entry.ID, "order", orderID, "kind", entry.IntentKind)

	switch entry.Status {
	case models.TxConfirmed:
		if entry.IntentKind.Activation() {
			return r.reconcileActivation(ctx, entry, log)
		}
		return r.reconcileFill(ctx, entry, log)
	case models.TxRejected, models.TxFailed:
		outcome := "noop"
		if entry.IntentKind.Fill() {
			detail := "settlement rejected by wallet"
			if entry.Status == models.TxFailed {
				detail = "settlement failed on chain"
			}
			if err := r.orders.RejectFill(ctx, orderID, entry.WalletAddress, detail); err != nil {
				log.Error("fill rejection failed", "err", err)
				return "error"
			}
			outcome = "rejected"
		}
		if err := r.queue.MarkReconciled(ctx, entry.ID); err != nil {
			log.Error("entry acknowledgement failed", "err", err)
			return "error"
		}
		return outcome
	default:
		return "noop"
	}
}

func (r *Relay) reconcileActivation(ctx context.Context, entry models.PendingTransaction, log *slog.Logger) string {
	orderID := *entry.OrderID
	var (
		changed bool
		err     error
	)
	if entry.IntentKind == models.IntentActivateSellingOrder {
		changed, err = r.orders.ActivateSellingOrder(ctx, orderID, entry.Hash)
	} else {
		changed, err = r.orders.ActivateBuyingOrder(ctx, orderID, entry.Hash)
	}
	switch {
	case err == nil:
	case fault.IsKind(err, fault.OrderNotFound):
		log.Warn("activation target missing, retiring entry")
		return r.complete(ctx, entry, log, "skipped")
	default:
		log.Error("activation failed", "err", err)
		return "error"
	}
	outcome := "activated"
	if !changed {
		outcome = "healed"
	}
	return r.complete(ctx, entry, log, outcome)
}

func (r *Relay) reconcileFill(ctx context.Context, entry models.PendingTransaction, log *slog.Logger) string {
	orderID := *entry.OrderID
	var (
		changed bool
		err     error
	)
	if entry.IntentKind == models.IntentFillSellingOrder {
		changed, err = r.orders.MarkSellingOrderFilled(ctx, orderID, entry.WalletAddress, entry.Hash)
	} else {
		changed, err = r.orders.MarkBuyingOrderFilled(ctx, orderID, entry.WalletAddress, entry.Hash)
	}
	switch {
	case err == nil:
	case fault.IsKind(err, fault.OrderNotFound),
		fault.IsKind(err, fault.OrderCancelled),
		fault.IsKind(err, fault.OrderExpired):
		// The settlement landed but the order is gone or no longer
		// fillable. Retire the entry so it stops resurfacing.
		log.Warn("fill target unavailable, retiring entry", "reason", fault.KindOf(err))
		return r.complete(ctx, entry, log, "skipped")
	case errors.Is(err, context.Canceled):
		return "error"
	default:
		log.Error("fill reconciliation failed", "err", err)
		return "error"
	}
	outcome := "filled"
	if !changed {
		outcome = "healed"
	}
	return r.complete(ctx, entry, log, outcome)
}

func (r *Relay) complete(ctx context.Context, entry models.PendingTransaction, log *slog.Logger, outcome string) string {
	if _, err := r.queue.UpdateStatus(ctx, entry.ID, models.TxCompleted, entry.Hash); err != nil {
		log.Error("entry completion failed", "err", err)
		return "error"
	}
	log.Info("entry reconciled", "outcome", outcome)
	return outcome
}
