package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TxStatus represents a pending-transaction settlement state.
type TxStatus string

// Queue entry statuses. Completed is the relay's acknowledgement of a
// confirmed entry; no entry ever leaves rejected, failed, or completed.
const (
	TxPending   TxStatus = "pending"
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxRejected  TxStatus = "rejected"
	TxFailed    TxStatus = "failed"
	TxCompleted TxStatus = "completed"
)

// Terminal reports whether no further status change is permitted.
func (s TxStatus) Terminal() bool {
	return s == TxRejected || s == TxFailed || s == TxCompleted
}

// IntentKind closes over the operations a queue entry can settle. It replaces
// an open metadata bag: each kind implies exactly which columns are set.
type IntentKind string

const (
	IntentActivateSellingOrder IntentKind = "activate_selling_order"
	IntentActivateBuyingOrder  IntentKind = "activate_buying_order"
	IntentFillSellingOrder     IntentKind = "fill_selling_order"
	IntentFillBuyingOrder      IntentKind = "fill_buying_order"
)

// Fill reports whether the intent settles a fill of an existing order.
func (k IntentKind) Fill() bool {
	return k == IntentFillSellingOrder || k == IntentFillBuyingOrder
}

// Activation reports whether the intent settles an order's escrow funding.
func (k IntentKind) Activation() bool {
	return k == IntentActivateSellingOrder || k == IntentActivateBuyingOrder
}

// PendingTransaction is a blockchain operation awaiting or having received
// settlement. Hash is only ever present from submitted onward.
type PendingTransaction struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	To            string     `gorm:"size:64;index" json:"to"`
	Value         string     `gorm:"size:96" json:"value"`
	Data          string     `gorm:"type:text" json:"data,omitempty"`
	Status        TxStatus   `gorm:"size:16;index" json:"status"`
	Hash          string     `gorm:"size:80;index" json:"hash,omitempty"`
	IntentKind    IntentKind `gorm:"size:32;index" json:"type"`
	ChainID       uint64     `json:"chain"`
	WalletAddress string     `gorm:"size:64;index" json:"walletAddress"`
	OrderID       *uuid.UUID `gorm:"type:uuid;index" json:"orderId,omitempty"`
	ReconciledAt  *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"timestamp"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime:false" json:"-"`
}

// OrderStatus represents a state in the shared selling/buying lifecycle.
type OrderStatus string

// Order lifecycle states. Filled, cancelled, and expired are terminal.
const (
	OrderPending   OrderStatus = "pending"
	OrderActive    OrderStatus = "active"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired
}

// SellingOrder offers tokens from escrow in exchange for a cash voucher.
type SellingOrder struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"orderId"`
	Owner          string      `gorm:"size:64;index" json:"owner"`
	Token          string      `gorm:"size:16;index" json:"token"`
	Amount         string      `gorm:"size:96" json:"amount"`
	FiatAmount     float64     `gorm:"not null" json:"fiatAmount"`
	Status         OrderStatus `gorm:"size:16;index" json:"status"`
	Memo           string      `gorm:"size:256" json:"memo,omitempty"`
	SettlementHash string      `gorm:"size:80" json:"settlementHash,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime:false" json:"-"`
	ExpiresAt      time.Time   `gorm:"index" json:"expiresAt"`
	Fills          []Fill      `json:"fills,omitempty"`
}

// BuyingOrder offers a cash voucher in exchange for tokens. The voucher
// payload is stored sealed; only ciphertext and the public locator persist.
type BuyingOrder struct {
	ID               uuid.UUID   `gorm:"type:uuid;primaryKey" json:"orderId"`
	Owner            string      `gorm:"size:64;index" json:"owner"`
	Token            string      `gorm:"size:16;index" json:"token"`
	Amount           string      `gorm:"size:96" json:"amount"`
	FiatAmount       float64     `gorm:"not null" json:"fiatAmount"`
	Status           OrderStatus `gorm:"size:16;index" json:"status"`
	Memo             string      `gorm:"size:256" json:"memo,omitempty"`
	SettlementHash   string      `gorm:"size:80" json:"settlementHash,omitempty"`
	VoucherReference string      `gorm:"size:64" json:"voucherReference"`
	VoucherExpiry    string      `gorm:"size:32" json:"voucherExpiry"`
	FilledBy         string      `gorm:"size:64" json:"filledBy,omitempty"`
	EncryptedPayload string      `gorm:"type:text" json:"-"`
	PublicUUID       uuid.UUID   `gorm:"type:uuid;index" json:"publicUuid"`
	AnchorHash       string      `gorm:"size:80" json:"anchorHash,omitempty"`
	RevealedAt       *time.Time  `json:"-"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime:false" json:"-"`
	ExpiresAt        time.Time   `gorm:"index" json:"expiresAt"`
}

// FillStatus tracks a fill attempt's validation outcome.
type FillStatus string

const (
	FillPending  FillStatus = "pending"
	FillAccepted FillStatus = "accepted"
	FillRejected FillStatus = "rejected"
)

// Fill is one attempt to satisfy a selling order. At most one fill per order
// reaches accepted.
type Fill struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"fillId"`
	SellingOrderID uuid.UUID  `gorm:"type:uuid;index" json:"orderId"`
	Filler         string     `gorm:"size:64;index" json:"filler"`
	Payload        string     `gorm:"type:text" json:"-"`
	Status         FillStatus `gorm:"size:16;index" json:"status"`
	TxHash         string     `gorm:"size:80" json:"txHash,omitempty"`
	ErrorDetail    string     `gorm:"size:512" json:"errorDetail,omitempty"`
	PostedAt       *time.Time `json:"postedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime:false" json:"-"`
}

// VoucherImage holds the buyer-attached voucher scan until its single
// disclosure. The row is deleted on a completed download.
type VoucherImage struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	BuyingOrderID uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Content       []byte
	CreatedAt     time.Time
}

// DownloadToken is a time-boxed, single-use grant for a voucher image.
type DownloadToken struct {
	Token         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	BuyingOrderID uuid.UUID  `gorm:"type:uuid;index"`
	ImageID       uuid.UUID  `gorm:"type:uuid"`
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	CreatedAt     time.Time
}

// Event is the audit trail. System actions use the zero address as actor.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OrderID   *uuid.UUID `gorm:"type:uuid;index"`
	Actor     string     `gorm:"size:64;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PendingTransaction{},
		&SellingOrder{},
		&BuyingOrder{},
		&Fill{},
		&VoucherImage{},
		&DownloadToken{},
		&Event{},
		&IdempotencyKey{},
	)
}
