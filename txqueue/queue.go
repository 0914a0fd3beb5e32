// Package txqueue is the authoritative ledger of blockchain operations
// awaiting or having received settlement.
package txqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"voucherswap/fault"
	"voucherswap/models"
)

// Queue exposes the pending-transaction contract over the shared store.
// UpdateStatus is the single mutation point for settlement state; every
// successful change is observable to all readers on their next poll.
type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a queue. A nil now falls back to time.Now.
func New(db *gorm.DB, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{db: db, now: now}
}

// EnqueueParams describes a new settlement operation.
type EnqueueParams struct {
	To            string
	Value         string
	Data          string
	WalletAddress string
	ChainID       uint64
	Kind          models.IntentKind
	OrderID       *uuid.UUID
}

// Enqueue inserts a pending entry inside the supplied transaction so order
// creation and its settlement entry commit together.
func Enqueue(tx *gorm.DB, now time.Time, p EnqueueParams) (*models.PendingTransaction, error) {
	if strings.TrimSpace(p.To) == "" {
		return nil, fmt.Errorf("txqueue: recipient is required")
	}
	if p.Kind == "" {
		return nil, fmt.Errorf("txqueue: intent kind is required")
	}
	if p.Kind.Fill() && p.OrderID == nil {
		return nil, fmt.Errorf("txqueue: fill intents require an order id")
	}
	entry := models.PendingTransaction{
		ID:            uuid.New(),
		To:            p.To,
		Value:         p.Value,
		Data:          p.Data,
		Status:        models.TxPending,
		IntentKind:    p.Kind,
		ChainID:       p.ChainID,
		WalletAddress: p.WalletAddress,
		OrderID:       p.OrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("txqueue: enqueue: %w", err)
	}
	return &entry, nil
}

// Enqueue inserts a pending entry in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*models.PendingTransaction, error) {
	var entry *models.PendingTransaction
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := Enqueue(tx, q.now(), p)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the entry with the given id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.PendingTransaction, error) {
	var entry models.PendingTransaction
	if err := q.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListPending returns entries still awaiting settlement, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]models.PendingTransaction, error) {
	var entries []models.PendingTransaction
	err := q.db.WithContext(ctx).
		Where("status IN ?", []models.TxStatus{models.TxPending, models.TxSubmitted}).
		Order("created_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("txqueue: list pending: %w", err)
	}
	return entries, nil
}

// List returns every entry, oldest first. Callers partition into in-flight
// versus terminal; the backend remains authoritative for retention.
func (q *Queue) List(ctx context.Context) ([]models.PendingTransaction, error) {
	var entries []models.PendingTransaction
	if err := q.db.WithContext(ctx).Order("created_at asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("txqueue: list: %w", err)
	}
	return entries, nil
}

// ListReconcilable returns settled order-bearing entries the relay may still
// need to act on: confirmed entries awaiting acknowledgement plus rejected
// and failed entries not yet marked reconciled. Confirmed entries leave the
// set by completing; rejected and failed entries leave via MarkReconciled.
func (q *Queue) ListReconcilable(ctx context.Context) ([]models.PendingTransaction, error) {
	var entries []models.PendingTransaction
	err := q.db.WithContext(ctx).
		Where("order_id IS NOT NULL AND (status = ? OR (status IN ? AND reconciled_at IS NULL))",
			models.TxConfirmed,
			[]models.TxStatus{models.TxRejected, models.TxFailed}).
		Order("created_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("txqueue: list reconcilable: %w", err)
	}
	return entries, nil
}

// MarkReconciled records that the relay has acted on a rejected or failed
// entry. The status itself never leaves its terminal state; the stamp only
// retires the entry from the reconcilable set. Idempotent.
func (q *Queue) MarkReconciled(ctx context.Context, id uuid.UUID) error {
	err := q.db.WithContext(ctx).Model(&models.PendingTransaction{}).
		Where("id = ? AND reconciled_at IS NULL", id).
		Update("reconciled_at", q.now()).Error
	if err != nil {
		return fmt.Errorf("txqueue: mark reconciled: %w", err)
	}
	return nil
}

// allowedTransitions encodes the forward-only status machine.
var allowedTransitions = map[models.TxStatus][]models.TxStatus{
	models.TxPending:   {models.TxSubmitted, models.TxRejected, models.TxFailed},
	models.TxSubmitted: {models.TxConfirmed, models.TxRejected, models.TxFailed},
	models.TxConfirmed: {models.TxCompleted},
}

func transitionAllowed(current, next models.TxStatus) bool {
	for _, s := range allowedTransitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// UpdateStatus advances an entry's status. Repeating the current status is a
// silent no-op; any other backward or unknown transition fails with an
// invalid-transition fault. A hash may accompany the move to confirmed, and
// is cleared again on rejected and failed so that a hash is only ever
// present from submitted onward.
func (q *Queue) UpdateStatus(ctx context.Context, id uuid.UUID, next models.TxStatus, hash string) (*models.PendingTransaction, error) {
	switch next {
	case models.TxPending, models.TxSubmitted, models.TxConfirmed, models.TxRejected, models.TxFailed, models.TxCompleted:
	default:
		return nil, fault.Newf(fault.InvalidTransition, "unknown status %q", next)
	}
	var entry models.PendingTransaction
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&entry, "id = ?", id).Error; err != nil {
			return err
		}
		if entry.Status == next {
			return nil
		}
		if !transitionAllowed(entry.Status, next) {
			return fault.Newf(fault.InvalidTransition, "pending transaction %s: %s -> %s", id, entry.Status, next)
		}
		entry.Status = next
		switch next {
		case models.TxConfirmed:
			if strings.TrimSpace(hash) != "" {
				entry.Hash = hash
			}
			if entry.Hash == "" {
				return fault.Newf(fault.InvalidTransition, "pending transaction %s: confirmed without settlement hash", id)
			}
		case models.TxRejected, models.TxFailed:
			entry.Hash = ""
		}
		entry.UpdatedAt = q.now()
		return tx.Save(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpdateHash records the settlement identifier on an in-flight entry.
func (q *Queue) UpdateHash(ctx context.Context, id uuid.UUID, hash string) (*models.PendingTransaction, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, fmt.Errorf("txqueue: hash is required")
	}
	var entry models.PendingTransaction
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&entry, "id = ?", id).Error; err != nil {
			return err
		}
		if entry.Status != models.TxSubmitted && entry.Status != models.TxConfirmed {
			return fault.Newf(fault.InvalidTransition, "pending transaction %s: hash not recordable in %s", id, entry.Status)
		}
		entry.Hash = hash
		entry.UpdatedAt = q.now()
		return tx.Save(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
