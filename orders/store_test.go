package orders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"voucherswap/fault"
	"voucherswap/models"
)

const (
	escrowAddr = "0x00000000000000000000000000000000000000EE"
	ownerAddr  = "0x1111111111111111111111111111111111111111"
	fillerAddr = "0x2222222222222222222222222222222222222222"
	otherAddr  = "0x3333333333333333333333333333333333333333"
)

func fakeDeriver(secret string, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	copy(key, secret)
	copy(key[len(secret):], salt)
	return key, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB, now func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(Config{
		DB:            db,
		ChainID:       1337,
		EscrowAddress: escrowAddr,
		OrderTTL:      24 * time.Hour,
		Derive:        fakeDeriver,
		Now:           now,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func voucherFor(amount float64) string {
	return fmt.Sprintf(`{"operationType":"cash_out","amount":%.2f,"expiration":"27/12/31 23:59:59","reference":"REF-1"}`, amount)
}

func activeSellingOrder(t *testing.T, s *Store) *models.SellingOrder {
	t.Helper()
	ctx := context.Background()
	order, entry, err := s.CreateSellingOrder(ctx, CreateOrderParams{
		Owner:      ownerAddr,
		Token:      "USDC",
		Amount:     "100000000",
		FiatAmount: 100,
	})
	if err != nil {
		t.Fatalf("create selling order: %v", err)
	}
	if _, err := s.ActivateSellingOrder(ctx, order.ID, "0xaaa"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	_ = entry
	fresh, err := s.GetSellingOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return fresh
}

func TestCreateSellingOrderEnqueuesDeposit(t *testing.T) {
	db := openTestDB(t)
	s := newTestStore(t, db, nil)

	order, entry, err := s.CreateSellingOrder(context.Background(), CreateOrderParams{
		Owner:      ownerAddr,
		Token:      "usdt",
		Amount:     "5000000",
		FiatAmount: 5,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != models.OrderPending {
		t.Fatalf("expected pending order, got %s", order.Status)
	}
	if order.Token != "USDT" {
		t.Fatalf("token must be upper-cased, got %q", order.Token)
	}
	if entry.IntentKind != models.IntentActivateSellingOrder {
		t.Fatalf("expected activation entry, got %s", entry.IntentKind)
	}
	if entry.Value != "5000000" {
		t.Fatalf("deposit must carry the order amount, got %q", entry.Value)
	}
	if entry.OrderID == nil || *entry.OrderID != order.ID {
		t.Fatal("entry must reference the order")
	}
}

func TestCreateOrderRejectsUnsupportedToken(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	_, _, err := s.CreateSellingOrder(context.Background(), CreateOrderParams{
		Owner:      ownerAddr,
		Token:      "DOGE",
		Amount:     "1",
		FiatAmount: 1,
	})
	if err == nil {
		t.Fatal("expected unsupported token error")
	}
}

func TestCreateBuyingOrderSealsVoucher(t *testing.T) {
	db := openTestDB(t)
	s := newTestStore(t, db, nil)

	order, entry, err := s.CreateBuyingOrder(context.Background(), CreateBuyingOrderParams{
		CreateOrderParams: CreateOrderParams{
			Owner:      ownerAddr,
			Token:      "USDC",
			Amount:     "100000000",
			FiatAmount: 100,
		},
		VoucherPayload: voucherFor(100),
		Secret:         "hunter2",
	})
	if err != nil {
		t.Fatalf("create buying order: %v", err)
	}
	if order.VoucherReference != "REF-1" {
		t.Fatalf("expected parsed reference, got %q", order.VoucherReference)
	}
	if order.EncryptedPayload == "" {
		t.Fatal("voucher must be sealed")
	}
	if order.EncryptedPayload == voucherFor(100) {
		t.Fatal("plaintext must not be stored")
	}
	if entry.IntentKind != models.IntentActivateBuyingOrder {
		t.Fatalf("expected activation entry, got %s", entry.IntentKind)
	}
	if entry.Data == "" {
		t.Fatal("activation entry must anchor the ciphertext")
	}
}

func TestCreateBuyingOrderRejectsMismatchedVoucher(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	_, _, err := s.CreateBuyingOrder(context.Background(), CreateBuyingOrderParams{
		CreateOrderParams: CreateOrderParams{
			Owner:      ownerAddr,
			Token:      "USDC",
			Amount:     "100000000",
			FiatAmount: 100,
		},
		VoucherPayload: voucherFor(89),
		Secret:         "hunter2",
	})
	if !fault.IsKind(err, fault.AmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order, _, err := s.CreateSellingOrder(context.Background(), CreateOrderParams{
		Owner:      ownerAddr,
		Token:      "USDC",
		Amount:     "1",
		FiatAmount: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	changed, err := s.ActivateSellingOrder(context.Background(), order.ID, "0xaaa")
	if err != nil || !changed {
		t.Fatalf("first activation: changed=%v err=%v", changed, err)
	}
	changed, err = s.ActivateSellingOrder(context.Background(), order.ID, "0xbbb")
	if err != nil {
		t.Fatalf("second activation: %v", err)
	}
	if changed {
		t.Fatal("second activation must be a no-op")
	}
}

func TestCancelOwnershipGate(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order := activeSellingOrder(t, s)

	_, err := s.CancelSellingOrder(context.Background(), order.ID, fillerAddr)
	if !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	cancelled, err := s.CancelSellingOrder(context.Background(), order.ID, ownerAddr)
	if err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if cancelled.Status != models.OrderCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	_, err = s.CancelSellingOrder(context.Background(), order.ID, ownerAddr)
	if !fault.IsKind(err, fault.OrderCancelled) {
		t.Fatalf("expected already-cancelled fault, got %v", err)
	}
}

func TestSubmitFillSameUser(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order := activeSellingOrder(t, s)

	_, _, err := s.SubmitFill(context.Background(), order.ID, ownerAddr, voucherFor(100))
	if !fault.IsKind(err, fault.SameUser) {
		t.Fatalf("expected same-user fault, got %v", err)
	}
}

func TestSubmitFillValidatesAmountBand(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order := activeSellingOrder(t, s)
	ctx := context.Background()

	// 5% under is acceptable.
	fill, entry, err := s.SubmitFill(ctx, order.ID, fillerAddr, voucherFor(95))
	if err != nil {
		t.Fatalf("in-band fill: %v", err)
	}
	if fill.Status != models.FillPending {
		t.Fatalf("expected pending fill, got %s", fill.Status)
	}
	if entry.IntentKind != models.IntentFillSellingOrder {
		t.Fatalf("expected fill entry, got %s", entry.IntentKind)
	}

	// Just outside the band rejects before any mutation.
	_, _, err = s.SubmitFill(ctx, order.ID, otherAddr, voucherFor(94.9))
	if !fault.IsKind(err, fault.AmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	fills, err := s.ListFills(ctx, order.ID)
	if err != nil {
		t.Fatalf("list fills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("rejected submission must not create a fill, got %d", len(fills))
	}
}

func TestMarkFilledAcceptsWinnerRejectsRest(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order := activeSellingOrder(t, s)
	ctx := context.Background()

	if _, _, err := s.SubmitFill(ctx, order.ID, fillerAddr, voucherFor(100)); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if _, _, err := s.SubmitFill(ctx, order.ID, otherAddr, voucherFor(100)); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	changed, err := s.MarkSellingOrderFilled(ctx, order.ID, fillerAddr, "0xfff")
	if err != nil || !changed {
		t.Fatalf("mark filled: changed=%v err=%v", changed, err)
	}

	fills, err := s.ListFills(ctx, order.ID)
	if err != nil {
		t.Fatalf("list fills: %v", err)
	}
	var accepted, rejected int
	for _, f := range fills {
		switch f.Status {
		case models.FillAccepted:
			accepted++
			if f.Filler != fillerAddr {
				t.Fatalf("wrong winner %s", f.Filler)
			}
			if f.TxHash != "0xfff" {
				t.Fatalf("accepted fill must record the settlement hash, got %q", f.TxHash)
			}
		case models.FillRejected:
			rejected++
		}
	}
	if accepted != 1 || rejected != 1 {
		t.Fatalf("expected 1 accepted and 1 rejected, got %d/%d", accepted, rejected)
	}

	// A second reconciliation tick is a no-op.
	changed, err = s.MarkSellingOrderFilled(ctx, order.ID, fillerAddr, "0xfff")
	if err != nil {
		t.Fatalf("repeat mark: %v", err)
	}
	if changed {
		t.Fatal("repeat mark must be a no-op")
	}
}

func TestMarkFilledAcceptsSingleAttemptPerFiller(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order := activeSellingOrder(t, s)
	ctx := context.Background()

	first, _, err := s.SubmitFill(ctx, order.ID, fillerAddr, voucherFor(100))
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if _, _, err := s.SubmitFill(ctx, order.ID, fillerAddr, voucherFor(100)); err != nil {
		t.Fatalf("second attempt: %v", err)
	}

	if _, err := s.MarkSellingOrderFilled(ctx, order.ID, fillerAddr, "0xfff"); err != nil {
		t.Fatalf("mark filled: %v", err)
	}

	fills, err := s.ListFills(ctx, order.ID)
	if err != nil {
		t.Fatalf("list fills: %v", err)
	}
	var accepted, rejected int
	for _, f := range fills {
		switch f.Status {
		case models.FillAccepted:
			accepted++
			if f.ID != first.ID {
				t.Fatalf("oldest attempt must win, accepted %s", f.ID)
			}
		case models.FillRejected:
			rejected++
		}
	}
	if accepted != 1 || rejected != 1 {
		t.Fatalf("one settlement accepts exactly one fill, got %d accepted / %d rejected", accepted, rejected)
	}
}

func TestMarkFilledRequiresActiveOrder(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order, _, err := s.CreateSellingOrder(context.Background(), CreateOrderParams{
		Owner:      ownerAddr,
		Token:      "USDC",
		Amount:     "1",
		FiatAmount: 100,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = s.MarkSellingOrderFilled(context.Background(), order.ID, fillerAddr, "0xfff")
	if !fault.IsKind(err, fault.InvalidTransition) {
		t.Fatalf("expected invalid transition for a pending order, got %v", err)
	}
}

func TestRejectFillLeavesOrderFillable(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order := activeSellingOrder(t, s)
	ctx := context.Background()

	if _, _, err := s.SubmitFill(ctx, order.ID, fillerAddr, voucherFor(100)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := s.RejectFill(ctx, order.ID, fillerAddr, "settlement rejected by wallet"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	fresh, err := s.GetSellingOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.Status != models.OrderActive {
		t.Fatalf("order must stay active, got %s", fresh.Status)
	}

	// The same party can retry with a fresh attempt.
	if _, _, err := s.SubmitFill(ctx, order.ID, fillerAddr, voucherFor(100)); err != nil {
		t.Fatalf("retry fill: %v", err)
	}
}

func TestPostConfirmedFillIdempotent(t *testing.T) {
	s := newTestStore(t, openTestDB(t), nil)
	order := activeSellingOrder(t, s)
	ctx := context.Background()

	if _, _, err := s.SubmitFill(ctx, order.ID, fillerAddr, voucherFor(100)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, err := s.MarkSellingOrderFilled(ctx, order.ID, fillerAddr, "0xfff"); err != nil {
		t.Fatalf("mark filled: %v", err)
	}

	posted, err := s.PostConfirmedFill(ctx, order.ID, "0xfff")
	if err != nil || !posted {
		t.Fatalf("first post: posted=%v err=%v", posted, err)
	}
	posted, err = s.PostConfirmedFill(ctx, order.ID, "0xfff")
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	if posted {
		t.Fatal("second post must be a no-op")
	}
}

func TestExpireStale(t *testing.T) {
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, openTestDB(t), func() time.Time { return current })
	ctx := context.Background()

	order, _, err := s.CreateSellingOrder(ctx, CreateOrderParams{
		Owner:      ownerAddr,
		Token:      "USDC",
		Amount:     "1",
		FiatAmount: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	count, err := s.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 0 {
		t.Fatalf("nothing should expire yet, got %d", count)
	}

	current = current.Add(25 * time.Hour)
	count, err = s.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expiry, got %d", count)
	}
	fresh, err := s.GetSellingOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.Status != models.OrderExpired {
		t.Fatalf("expected expired, got %s", fresh.Status)
	}
}

func TestFillExpiredOrder(t *testing.T) {
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, openTestDB(t), func() time.Time { return current })
	ctx := context.Background()

	order, _, err := s.CreateSellingOrder(ctx, CreateOrderParams{
		Owner:      ownerAddr,
		Token:      "USDC",
		Amount:     "1",
		FiatAmount: 100,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ActivateSellingOrder(ctx, order.ID, "0xaaa"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	current = current.Add(25 * time.Hour)
	_, _, err = s.SubmitFill(ctx, order.ID, fillerAddr, voucherFor(100))
	if !fault.IsKind(err, fault.OrderExpired) {
		t.Fatalf("expected order expired, got %v", err)
	}
}
