// Package orders is the authoritative ledger of selling and buying orders
// and their fills. All status transitions are compare-and-set against the
// previously read status; the loser of a race receives a stale-state fault
// rather than silently overwriting.
package orders

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"voucherswap/fault"
	"voucherswap/models"
	"voucherswap/txqueue"
	"voucherswap/vault"
)

// Config captures the dependencies required to construct a Store.
type Config struct {
	DB            *gorm.DB
	ChainID       uint64
	EscrowAddress string
	OrderTTL      time.Duration
	Derive        vault.KeyDeriver
	Now           func() time.Time
}

// Store exposes order lifecycle operations over the shared database.
type Store struct {
	db      *gorm.DB
	chainID uint64
	escrow  string
	ttl     time.Duration
	derive  vault.KeyDeriver
	now     func() time.Time
}

// NewStore builds a configured order store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, errors.New("orders: db is required")
	}
	if !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, fmt.Errorf("orders: invalid escrow address %q", cfg.EscrowAddress)
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = 24 * time.Hour
	}
	if cfg.Derive == nil {
		cfg.Derive = vault.ScryptDeriver
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		db:      cfg.DB,
		chainID: cfg.ChainID,
		escrow:  common.HexToAddress(cfg.EscrowAddress).Hex(),
		ttl:     cfg.OrderTTL,
		derive:  cfg.Derive,
		now:     cfg.Now,
	}, nil
}

func normalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("orders: invalid address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// CreateOrderParams holds the fields shared by both order variants.
type CreateOrderParams struct {
	Owner      string
	Token      string
	Amount     string
	FiatAmount float64
	Memo       string
}

func (p *CreateOrderParams) validate() error {
	owner, err := normalizeAddress(p.Owner)
	if err != nil {
		return err
	}
	p.Owner = owner
	p.Token = strings.ToUpper(strings.TrimSpace(p.Token))
	if !IsSupportedToken(p.Token) {
		return fmt.Errorf("orders: unsupported token %q", p.Token)
	}
	if strings.TrimSpace(p.Amount) == "" {
		return errors.New("orders: amount is required")
	}
	if p.FiatAmount <= 0 {
		return errors.New("orders: fiat amount must be positive")
	}
	return nil
}

// CreateSellingOrder records a new selling order and enqueues its escrow
// deposit as the activation settlement leg. Both commit together.
func (s *Store) CreateSellingOrder(ctx context.Context, p CreateOrderParams) (*models.SellingOrder, *models.PendingTransaction, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}
	now := s.now()
	order := models.SellingOrder{
		ID:         uuid.New(),
		Owner:      p.Owner,
		Token:      p.Token,
		Amount:     p.Amount,
		FiatAmount: p.FiatAmount,
		Status:     models.OrderPending,
		Memo:       p.Memo,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	var entry *models.PendingTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		created, err := txqueue.Enqueue(tx, now, txqueue.EnqueueParams{
			To:            s.escrow,
			Value:         p.Amount,
			WalletAddress: p.Owner,
			ChainID:       s.chainID,
			Kind:          models.IntentActivateSellingOrder,
			OrderID:       &order.ID,
		})
		if err != nil {
			return err
		}
		entry = created
		return s.appendEvent(tx, &order.ID, p.Owner, "order.created",
			fmt.Sprintf("side=selling token=%s amount=%s fiat=%.2f", order.Token, order.Amount, order.FiatAmount))
	})
	if err != nil {
		return nil, nil, err
	}
	return &order, entry, nil
}

// CreateBuyingOrderParams extends order creation with the voucher payload
// and the caller-held secret used to seal it.
type CreateBuyingOrderParams struct {
	CreateOrderParams
	VoucherPayload string
	Secret         string
}

// CreateBuyingOrder validates the voucher, seals it under the caller's
// secret, and enqueues the activation settlement leg whose call data anchors
// the ciphertext on chain. The plaintext payload and the secret are never
// persisted.
func (s *Store) CreateBuyingOrder(ctx context.Context, p CreateBuyingOrderParams) (*models.BuyingOrder, *models.PendingTransaction, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}
	now := s.now()
	payload, err := vault.ParsePayload(p.VoucherPayload)
	if err != nil {
		return nil, nil, err
	}
	if err := payload.Validate(p.FiatAmount, now); err != nil {
		return nil, nil, err
	}
	sealed, err := vault.Seal(p.VoucherPayload, p.Secret, s.derive)
	if err != nil {
		return nil, nil, err
	}
	envelope, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("orders: decode sealed envelope: %w", err)
	}
	order := models.BuyingOrder{
		ID:               uuid.New(),
		Owner:            p.Owner,
		Token:            p.Token,
		Amount:           p.Amount,
		FiatAmount:       p.FiatAmount,
		Status:           models.OrderPending,
		Memo:             p.Memo,
		VoucherReference: payload.Reference,
		VoucherExpiry:    payload.Expiration,
		EncryptedPayload: sealed.Ciphertext,
		PublicUUID:       sealed.PublicUUID,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
	}
	var entry *models.PendingTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		created, err := txqueue.Enqueue(tx, now, txqueue.EnqueueParams{
			To:            s.escrow,
			Value:         "0",
			Data:          hexutil.Encode(envelope),
			WalletAddress: p.Owner,
			ChainID:       s.chainID,
			Kind:          models.IntentActivateBuyingOrder,
			OrderID:       &order.ID,
		})
		if err != nil {
			return err
		}
		entry = created
		return s.appendEvent(tx, &order.ID, p.Owner, "order.created",
			fmt.Sprintf("side=buying token=%s amount=%s fiat=%.2f reference=%s", order.Token, order.Amount, order.FiatAmount, order.VoucherReference))
	})
	if err != nil {
		return nil, nil, err
	}
	return &order, entry, nil
}

// GetSellingOrder returns a selling order with its fills.
func (s *Store) GetSellingOrder(ctx context.Context, id uuid.UUID) (*models.SellingOrder, error) {
	var order models.SellingOrder
	if err := s.db.WithContext(ctx).Preload("Fills").First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.OrderNotFound, "selling order %s not found", id)
		}
		return nil, err
	}
	return &order, nil
}

// GetBuyingOrder returns a buying order.
func (s *Store) GetBuyingOrder(ctx context.Context, id uuid.UUID) (*models.BuyingOrder, error) {
	var order models.BuyingOrder
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.OrderNotFound, "buying order %s not found", id)
		}
		return nil, err
	}
	return &order, nil
}

// ListSellingOrders returns selling orders, newest first.
func (s *Store) ListSellingOrders(ctx context.Context) ([]models.SellingOrder, error) {
	var out []models.SellingOrder
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListBuyingOrders returns buying orders, newest first.
func (s *Store) ListBuyingOrders(ctx context.Context) ([]models.BuyingOrder, error) {
	var out []models.BuyingOrder
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ActivateSellingOrder moves a pending selling order to active once its
// escrow deposit confirmed. Returns false when the order was already past
// pending, so repeated reconciliation ticks are no-ops.
func (s *Store) ActivateSellingOrder(ctx context.Context, id uuid.UUID, settlementHash string) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.SellingOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "selling order %s not found", id)
			}
			return err
		}
		if order.Status != models.OrderPending {
			return nil
		}
		res := tx.Model(&models.SellingOrder{}).
			Where("id = ? AND status = ?", id, models.OrderPending).
			Updates(map[string]any{
				"status":          models.OrderActive,
				"settlement_hash": settlementHash,
				"updated_at":      s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.Newf(fault.StaleOrderState, "selling order %s changed concurrently", id)
		}
		changed = true
		return s.appendEvent(tx, &id, zeroAddress, "order.activated", fmt.Sprintf("tx_hash=%s", settlementHash))
	})
	return changed, err
}

// ActivateBuyingOrder moves a pending buying order to active and records
// the settlement hash as the on-chain anchor of the sealed voucher.
func (s *Store) ActivateBuyingOrder(ctx context.Context, id uuid.UUID, settlementHash string) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.BuyingOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "buying order %s not found", id)
			}
			return err
		}
		if order.Status != models.OrderPending {
			return nil
		}
		res := tx.Model(&models.BuyingOrder{}).
			Where("id = ? AND status = ?", id, models.OrderPending).
			Updates(map[string]any{
				"status":          models.OrderActive,
				"settlement_hash": settlementHash,
				"anchor_hash":     settlementHash,
				"updated_at":      s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.Newf(fault.StaleOrderState, "buying order %s changed concurrently", id)
		}
		changed = true
		return s.appendEvent(tx, &id, zeroAddress, "order.activated", fmt.Sprintf("tx_hash=%s", settlementHash))
	})
	return changed, err
}

// CancelSellingOrder cancels an active selling order. Only the owner may
// cancel, and only while the order is active. The order's queue entries are
// left untouched to keep the audit trail complete.
func (s *Store) CancelSellingOrder(ctx context.Context, id uuid.UUID, caller string) (*models.SellingOrder, error) {
	caller, err := normalizeAddress(caller)
	if err != nil {
		return nil, err
	}
	var order models.SellingOrder
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "selling order %s not found", id)
			}
			return err
		}
		if !strings.EqualFold(order.Owner, caller) {
			return fault.New(fault.Unauthorized, "only the order owner may cancel")
		}
		if order.Status != models.OrderActive {
			return statusFault(order.Status)
		}
		res := tx.Model(&models.SellingOrder{}).
			Where("id = ? AND status = ?", id, models.OrderActive).
			Updates(map[string]any{"status": models.OrderCancelled, "updated_at": s.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.Newf(fault.StaleOrderState, "selling order %s changed concurrently", id)
		}
		order.Status = models.OrderCancelled
		return s.appendEvent(tx, &id, caller, "order.cancelled", "")
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelBuyingOrder cancels an active buying order, owner-only.
func (s *Store) CancelBuyingOrder(ctx context.Context, id uuid.UUID, caller string) (*models.BuyingOrder, error) {
	caller, err := normalizeAddress(caller)
	if err != nil {
		return nil, err
	}
	var order models.BuyingOrder
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "buying order %s not found", id)
			}
			return err
		}
		if !strings.EqualFold(order.Owner, caller) {
			return fault.New(fault.Unauthorized, "only the order owner may cancel")
		}
		if order.Status != models.OrderActive {
			return statusFault(order.Status)
		}
		res := tx.Model(&models.BuyingOrder{}).
			Where("id = ? AND status = ?", id, models.OrderActive).
			Updates(map[string]any{"status": models.OrderCancelled, "updated_at": s.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.Newf(fault.StaleOrderState, "buying order %s changed concurrently", id)
		}
		order.Status = models.OrderCancelled
		return s.appendEvent(tx, &id, caller, "order.cancelled", "")
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// SubmitFill validates a voucher submission against an active selling order
// and records the fill attempt together with its settlement queue entry.
// Validation failures reject before any state mutation.
func (s *Store) SubmitFill(ctx context.Context, orderID uuid.UUID, filler string, voucherPayload string) (*models.Fill, *models.PendingTransaction, error) {
	filler, err := normalizeAddress(filler)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	var fill models.Fill
	var entry *models.PendingTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.SellingOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "selling order %s not found", orderID)
			}
			return err
		}
		if strings.EqualFold(order.Owner, filler) {
			return fault.New(fault.SameUser, "cannot fill your own order")
		}
		if order.Status == models.OrderActive && now.After(order.ExpiresAt) {
			return fault.New(fault.OrderExpired, "order is expired")
		}
		if order.Status != models.OrderActive {
			return statusFault(order.Status)
		}
		payload, err := vault.ParsePayload(voucherPayload)
		if err != nil {
			return err
		}
		if err := payload.Validate(order.FiatAmount, now); err != nil {
			return err
		}
		fill = models.Fill{
			ID:             uuid.New(),
			SellingOrderID: orderID,
			Filler:         filler,
			Payload:        voucherPayload,
			Status:         models.FillPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&fill).Error; err != nil {
			return err
		}
		created, err := txqueue.Enqueue(tx, now, txqueue.EnqueueParams{
			To:            s.escrow,
			Value:         "0",
			Data:          hexutil.Encode(fill.ID[:]),
			WalletAddress: filler,
			ChainID:       s.chainID,
			Kind:          models.IntentFillSellingOrder,
			OrderID:       &orderID,
		})
		if err != nil {
			return err
		}
		entry = created
		return s.appendEvent(tx, &orderID, filler, "fill.submitted",
			fmt.Sprintf("fill_id=%s reference=%s", fill.ID, payload.Reference))
	})
	if err != nil {
		return nil, nil, err
	}
	return &fill, entry, nil
}

// SubmitBuyingFill records a filler's intent to satisfy a buying order by
// sending tokens to escrow. The order itself only transitions once the
// settlement confirms.
func (s *Store) SubmitBuyingFill(ctx context.Context, orderID uuid.UUID, filler string) (*models.PendingTransaction, error) {
	filler, err := normalizeAddress(filler)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var entry *models.PendingTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.BuyingOrder
		if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "buying order %s not found", orderID)
			}
			return err
		}
		if strings.EqualFold(order.Owner, filler) {
			return fault.New(fault.SameUser, "cannot fill your own order")
		}
		if order.Status == models.OrderActive && now.After(order.ExpiresAt) {
			return fault.New(fault.OrderExpired, "order is expired")
		}
		if order.Status != models.OrderActive {
			return statusFault(order.Status)
		}
		created, err := txqueue.Enqueue(tx, now, txqueue.EnqueueParams{
			To:            s.escrow,
			Value:         order.Amount,
			WalletAddress: filler,
			ChainID:       s.chainID,
			Kind:          models.IntentFillBuyingOrder,
			OrderID:       &orderID,
		})
		if err != nil {
			return err
		}
		entry = created
		return s.appendEvent(tx, &orderID, filler, "fill.submitted", "side=buying")
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkSellingOrderFilled transitions an active selling order to filled and
// accepts the filler's pending fill attempt, rejecting the rest. Returns
// false without error when the order is already filled by the same
// settlement, so duplicate reconciliation ticks are no-ops.
func (s *Store) MarkSellingOrderFilled(ctx context.Context, orderID uuid.UUID, filler, settlementHash string) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.SellingOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "selling order %s not found", orderID)
			}
			return err
		}
		if order.Status == models.OrderFilled {
			return nil
		}
		if err := ValidateTransition(order.Status, models.OrderFilled); err != nil {
			return statusFault(order.Status)
		}
		res := tx.Model(&models.SellingOrder{}).
			Where("id = ? AND status = ?", orderID, models.OrderActive).
			Updates(map[string]any{"status": models.OrderFilled, "updated_at": s.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.Newf(fault.StaleOrderState, "selling order %s changed concurrently", orderID)
		}
		// Accept the winning filler's oldest pending attempt, reject every
		// other pending attempt. One settlement accepts exactly one fill.
		var winner models.Fill
		ferr := tx.Where("selling_order_id = ? AND filler = ? AND status = ?", orderID, filler, models.FillPending).
			Order("created_at asc").First(&winner).Error
		switch {
		case ferr == nil:
			if err := tx.Model(&models.Fill{}).
				Where("id = ?", winner.ID).
				Updates(map[string]any{"status": models.FillAccepted, "tx_hash": settlementHash, "updated_at": s.now()}).Error; err != nil {
				return err
			}
		case errors.Is(ferr, gorm.ErrRecordNotFound):
			// Settlements without a recorded attempt still fill the order.
		default:
			return ferr
		}
		if err := tx.Model(&models.Fill{}).
			Where("selling_order_id = ? AND status = ?", orderID, models.FillPending).
			Updates(map[string]any{"status": models.FillRejected, "error_detail": "order filled by another party", "updated_at": s.now()}).Error; err != nil {
			return err
		}
		changed = true
		return s.appendEvent(tx, &orderID, zeroAddress, "order.filled",
			fmt.Sprintf("filler=%s tx_hash=%s", filler, settlementHash))
	})
	return changed, err
}

// MarkBuyingOrderFilled transitions an active buying order to filled,
// recording the filling party. Idempotent for duplicate ticks.
func (s *Store) MarkBuyingOrderFilled(ctx context.Context, orderID uuid.UUID, filler, settlementHash string) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.BuyingOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "buying order %s not found", orderID)
			}
			return err
		}
		if order.Status == models.OrderFilled {
			return nil
		}
		if err := ValidateTransition(order.Status, models.OrderFilled); err != nil {
			return statusFault(order.Status)
		}
		res := tx.Model(&models.BuyingOrder{}).
			Where("id = ? AND status = ?", orderID, models.OrderActive).
			Updates(map[string]any{"status": models.OrderFilled, "filled_by": filler, "updated_at": s.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.Newf(fault.StaleOrderState, "buying order %s changed concurrently", orderID)
		}
		changed = true
		return s.appendEvent(tx, &orderID, zeroAddress, "order.filled",
			fmt.Sprintf("filler=%s tx_hash=%s", filler, settlementHash))
	})
	return changed, err
}

// RejectFill annotates a filler's pending fill attempts after their
// settlement was rejected or failed. The order itself is untouched and
// remains fillable by other parties.
func (s *Store) RejectFill(ctx context.Context, orderID uuid.UUID, filler, detail string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Fill{}).
			Where("selling_order_id = ? AND filler = ? AND status = ?", orderID, filler, models.FillPending).
			Updates(map[string]any{"status": models.FillRejected, "error_detail": detail, "updated_at": s.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return s.appendEvent(tx, &orderID, zeroAddress, "fill.rejected",
			fmt.Sprintf("filler=%s detail=%s", filler, detail))
	})
}

// PostConfirmedFill marks the accepted fill for the given settlement as
// posted to the marketplace. Idempotent: a fill already posted is a no-op.
func (s *Store) PostConfirmedFill(ctx context.Context, orderID uuid.UUID, settlementHash string) (bool, error) {
	posted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Fill{}).
			Where("selling_order_id = ? AND tx_hash = ? AND status = ? AND posted_at IS NULL",
				orderID, settlementHash, models.FillAccepted).
			Updates(map[string]any{"posted_at": s.now(), "updated_at": s.now()})
		if res.Error != nil {
			return res.Error
		}
		posted = res.RowsAffected > 0
		if !posted {
			return nil
		}
		return s.appendEvent(tx, &orderID, zeroAddress, "fill.posted", fmt.Sprintf("tx_hash=%s", settlementHash))
	})
	return posted, err
}

// ListFills returns all fill attempts for a selling order, oldest first.
func (s *Store) ListFills(ctx context.Context, orderID uuid.UUID) ([]models.Fill, error) {
	if _, err := s.GetSellingOrder(ctx, orderID); err != nil {
		return nil, err
	}
	var fills []models.Fill
	if err := s.db.WithContext(ctx).
		Where("selling_order_id = ?", orderID).
		Order("created_at asc").
		Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

// GetFill returns a single fill attempt.
func (s *Store) GetFill(ctx context.Context, orderID, fillID uuid.UUID) (*models.Fill, error) {
	var fill models.Fill
	if err := s.db.WithContext(ctx).
		First(&fill, "id = ? AND selling_order_id = ?", fillID, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.OrderNotFound, "fill %s not found on order %s", fillID, orderID)
		}
		return nil, err
	}
	return &fill, nil
}

// ExpireStale transitions orders past their deadline to expired. Pending
// orders whose settlement never confirmed expire too, so nothing is stuck
// forever. Returns the number of orders expired.
func (s *Store) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	expired := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var selling []models.SellingOrder
		if err := tx.Where("status IN ? AND expires_at < ?",
			[]models.OrderStatus{models.OrderPending, models.OrderActive}, now).Find(&selling).Error; err != nil {
			return err
		}
		for _, order := range selling {
			res := tx.Model(&models.SellingOrder{}).
				Where("id = ? AND status = ?", order.ID, order.Status).
				Updates(map[string]any{"status": models.OrderExpired, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			expired++
			id := order.ID
			if err := s.appendEvent(tx, &id, zeroAddress, "order.expired", ""); err != nil {
				return err
			}
		}
		var buying []models.BuyingOrder
		if err := tx.Where("status IN ? AND expires_at < ?",
			[]models.OrderStatus{models.OrderPending, models.OrderActive}, now).Find(&buying).Error; err != nil {
			return err
		}
		for _, order := range buying {
			res := tx.Model(&models.BuyingOrder{}).
				Where("id = ? AND status = ?", order.ID, order.Status).
				Updates(map[string]any{"status": models.OrderExpired, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			expired++
			id := order.ID
			if err := s.appendEvent(tx, &id, zeroAddress, "order.expired", ""); err != nil {
				return err
			}
		}
		return nil
	})
	return expired, err
}

var zeroAddress = common.Address{}.Hex()

func (s *Store) appendEvent(tx *gorm.DB, orderID *uuid.UUID, actor, action, details string) error {
	event := models.Event{
		ID:        uuid.New(),
		OrderID:   orderID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: s.now(),
	}
	return tx.Create(&event).Error
}
