package vault

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"voucherswap/fault"
	"voucherswap/models"
)

func revealOrder(t *testing.T, v *Vault, order *models.BuyingOrder, secret string) {
	t.Helper()
	if _, err := v.Reveal(context.Background(), order.ID, order.FilledBy, secret, RevealLocal); err != nil {
		t.Fatalf("reveal: %v", err)
	}
}

func TestAttachImageOwnerOnly(t *testing.T) {
	db := openTestDB(t)
	order := seedFilledOrder(t, db, "hunter2")
	v := newTestVault(t, db, nil)

	err := v.AttachImage(context.Background(), order.ID, order.FilledBy, []byte("scan"))
	if !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("filler must not attach, got %v", err)
	}
	if err := v.AttachImage(context.Background(), order.ID, order.Owner, []byte("scan")); err != nil {
		t.Fatalf("owner attach: %v", err)
	}
	// Re-attaching replaces the stored bytes.
	if err := v.AttachImage(context.Background(), order.ID, order.Owner, []byte("scan-v2")); err != nil {
		t.Fatalf("owner re-attach: %v", err)
	}
	var image models.VoucherImage
	if err := db.First(&image, "buying_order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("load image: %v", err)
	}
	if !bytes.Equal(image.Content, []byte("scan-v2")) {
		t.Fatalf("expected replaced content, got %q", image.Content)
	}
}

func TestDownloadIsSingleUse(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	order := seedFilledOrder(t, db, "hunter2")
	v := newTestVault(t, db, nil)

	if err := v.AttachImage(ctx, order.ID, order.Owner, []byte("scan")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	revealOrder(t, v, order, "hunter2")

	token, err := v.RequestDownload(ctx, order.ID, order.FilledBy)
	if err != nil {
		t.Fatalf("request download: %v", err)
	}
	if _, err := v.Download(ctx, uuid.New(), token.Token); !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("token must be bound to its order, got %v", err)
	}
	content, err := v.Download(ctx, order.ID, token.Token)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(content, []byte("scan")) {
		t.Fatalf("unexpected content %q", content)
	}

	// The token is spent and the image is gone.
	if _, err := v.Download(ctx, order.ID, token.Token); !fault.IsKind(err, fault.ImageAlreadyConsumed) {
		t.Fatalf("expected consumed fault on replay, got %v", err)
	}
	if _, err := v.RequestDownload(ctx, order.ID, order.FilledBy); !fault.IsKind(err, fault.ImageAlreadyConsumed) {
		t.Fatalf("expected consumed fault on re-request, got %v", err)
	}
}

func TestDownloadRequiresReveal(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	order := seedFilledOrder(t, db, "hunter2")
	v := newTestVault(t, db, nil)

	if err := v.AttachImage(ctx, order.ID, order.Owner, []byte("scan")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := v.RequestDownload(ctx, order.ID, order.FilledBy); !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("expected unauthorized before reveal, got %v", err)
	}
}

func TestDownloadTokenExpires(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	order := seedFilledOrder(t, db, "hunter2")

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v, err := NewVault(Config{
		DB:       db,
		Derive:   fastDeriver,
		TokenTTL: 30 * time.Second,
		Now:      func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	if err := v.AttachImage(ctx, order.ID, order.Owner, []byte("scan")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	revealOrder(t, v, order, "hunter2")

	token, err := v.RequestDownload(ctx, order.ID, order.FilledBy)
	if err != nil {
		t.Fatalf("request download: %v", err)
	}

	current = current.Add(31 * time.Second)
	if _, err := v.Download(ctx, order.ID, token.Token); !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("expected unauthorized for expired token, got %v", err)
	}

	// Unconsumed and expired: a fresh token can still be issued.
	if _, err := v.RequestDownload(ctx, order.ID, order.FilledBy); err != nil {
		t.Fatalf("re-request after expiry: %v", err)
	}
}
