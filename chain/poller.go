package chain

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voucherswap/models"
	"voucherswap/observability"
	"voucherswap/txqueue"
)

// FollowUpFunc is invoked for confirmed fill entries so the caller can
// perform the idempotent publish-to-order follow-up.
type FollowUpFunc func(ctx context.Context, entry models.PendingTransaction)

// PollerConfig captures the dependencies required to construct a Poller.
type PollerConfig struct {
	Queue     *txqueue.Queue
	Executor  *Executor
	Interval  time.Duration
	Retention time.Duration
	FollowUp  FollowUpFunc
	Now       func() time.Time
	Logger    *slog.Logger
}

// Poller is the cooperative loop that fetches queue state, drives the
// executor serially, and maintains the locally displayed entry set. At most
// one wallet submission is ever in flight: the wallet prompt is the scarce,
// user-attended resource, so serialization happens here rather than with a
// lock primitive.
type Poller struct {
	queue     *txqueue.Queue
	executor  *Executor
	interval  time.Duration
	retention time.Duration
	followUp  FollowUpFunc
	now       func() time.Time
	logger    *slog.Logger

	inFlight atomic.Bool

	mu      sync.RWMutex
	visible []models.PendingTransaction
}

// NewPoller builds a poller with sane defaults.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		queue:     cfg.Queue,
		executor:  cfg.Executor,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		followUp:  cfg.FollowUp,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// Start runs the polling loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one poll cycle. Fetch failures are retried transparently on
// the next tick.
func (p *Poller) Tick(ctx context.Context) {
	entries, err := p.queue.List(ctx)
	if err != nil {
		p.logger.Warn("queue fetch failed", "err", err)
		return
	}

	now := p.now()
	display := make([]models.PendingTransaction, 0, len(entries))
	var next *models.PendingTransaction
	depth := 0
	for i := range entries {
		entry := entries[i]
		if !entry.Status.Terminal() {
			depth++
		}
		if entry.Status.Terminal() || entry.Status == models.TxConfirmed {
			// Display-only prune; the backend remains authoritative.
			if now.Sub(entry.UpdatedAt) <= p.retention {
				display = append(display, entry)
			}
			if entry.Status == models.TxConfirmed && entry.IntentKind.Fill() && p.followUp != nil {
				p.followUp(ctx, entry)
			}
			continue
		}
		display = append(display, entry)
		if entry.Status == models.TxPending && next == nil {
			next = &entries[i]
		}
	}

	observability.Engine().SetQueueDepth(depth)

	p.mu.Lock()
	p.visible = display
	p.mu.Unlock()

	if next == nil {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	selected := *next
	go func() {
		defer p.inFlight.Store(false)
		if _, err := p.executor.Execute(ctx, selected); err != nil {
			p.logger.Warn("execution attempt failed", "id", selected.ID, "kind", selected.IntentKind, "err", err)
		}
	}()
}

// Visible returns the locally displayed entry set from the last tick.
func (p *Poller) Visible() []models.PendingTransaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.PendingTransaction, len(p.visible))
	copy(out, p.visible)
	return out
}

// InFlight reports whether a wallet submission round-trip is running.
func (p *Poller) InFlight() bool {
	return p.inFlight.Load()
}

// Drop removes an entry from the displayed set immediately, without touching
// the backend ledger.
func (p *Poller) Drop(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.visible[:0]
	for _, entry := range p.visible {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	p.visible = kept
}
