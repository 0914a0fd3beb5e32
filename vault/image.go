package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"voucherswap/fault"
	"voucherswap/models"
)

// AttachImage stores the voucher scan for a buying order. Only the owner may
// attach, and re-attaching before any disclosure replaces the stored bytes.
func (v *Vault) AttachImage(ctx context.Context, orderID uuid.UUID, caller string, content []byte) error {
	if len(content) == 0 {
		return fmt.Errorf("vault: image content is required")
	}
	now := v.now()
	return v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.BuyingOrder
		if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "buying order %s not found", orderID)
			}
			return err
		}
		if !strings.EqualFold(order.Owner, caller) {
			return fault.New(fault.Unauthorized, "only the order owner may attach an image")
		}
		var existing models.VoucherImage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "buying_order_id = ?", orderID).Error
		switch {
		case err == nil:
			existing.Content = content
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			image := models.VoucherImage{
				ID:            uuid.New(),
				BuyingOrderID: orderID,
				Content:       content,
				CreatedAt:     now,
			}
			if err := tx.Create(&image).Error; err != nil {
				return err
			}
		default:
			return err
		}
		return appendEvent(tx, now, &orderID, caller, "voucher.image_attached", fmt.Sprintf("bytes=%d", len(content)))
	})
}

// RequestDownload issues a time-boxed single-use token for the stored image.
// Release requires the order to be filled, the caller to be the designated
// filler, and a completed reveal. Once the image has been disclosed and
// deleted, further requests report it consumed.
func (v *Vault) RequestDownload(ctx context.Context, orderID uuid.UUID, caller string) (*models.DownloadToken, error) {
	now := v.now()
	var token models.DownloadToken
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.BuyingOrder
		if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.OrderNotFound, "buying order %s not found", orderID)
			}
			return err
		}
		if order.Status != models.OrderFilled {
			return fault.New(fault.Unauthorized, "image is not releasable until the order is filled")
		}
		if order.FilledBy == "" || !strings.EqualFold(order.FilledBy, caller) {
			return fault.New(fault.Unauthorized, "only the filling party may download the image")
		}
		if order.RevealedAt == nil {
			return fault.New(fault.Unauthorized, "voucher must be revealed before image release")
		}
		var image models.VoucherImage
		if err := tx.First(&image, "buying_order_id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				var consumed int64
				if err := tx.Model(&models.DownloadToken{}).
					Where("buying_order_id = ? AND consumed_at IS NOT NULL", orderID).
					Count(&consumed).Error; err != nil {
					return err
				}
				if consumed > 0 {
					return fault.New(fault.ImageAlreadyConsumed, "voucher image was already downloaded")
				}
				return fault.Newf(fault.OrderNotFound, "no image attached to order %s", orderID)
			}
			return err
		}
		token = models.DownloadToken{
			Token:         uuid.New(),
			BuyingOrderID: orderID,
			ImageID:       image.ID,
			ExpiresAt:     now.Add(v.tokenTTL),
			CreatedAt:     now,
		}
		if err := tx.Create(&token).Error; err != nil {
			return err
		}
		return appendEvent(tx, now, &orderID, caller, "voucher.image_release_requested",
			fmt.Sprintf("token=%s expires=%s", token.Token, token.ExpiresAt.Format(time.RFC3339)))
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// Download redeems a release token against its order. The stored image is
// deleted the moment a download completes, making this a single-use
// disclosure: a replay reports the image consumed, and a token past its
// window is invalid even if unused.
func (v *Vault) Download(ctx context.Context, orderID, tokenID uuid.UUID) ([]byte, error) {
	now := v.now()
	var content []byte
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var token models.DownloadToken
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&token, "token = ?", tokenID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.New(fault.Unauthorized, "unknown download token")
			}
			return err
		}
		if token.BuyingOrderID != orderID {
			return fault.New(fault.Unauthorized, "download token does not match the order")
		}
		if token.ConsumedAt != nil {
			return fault.New(fault.ImageAlreadyConsumed, "voucher image was already downloaded")
		}
		if now.After(token.ExpiresAt) {
			return fault.New(fault.Unauthorized, "download token expired")
		}
		var image models.VoucherImage
		if err := tx.First(&image, "id = ?", token.ImageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.New(fault.ImageAlreadyConsumed, "voucher image was already downloaded")
			}
			return err
		}
		content = image.Content
		if err := tx.Delete(&image).Error; err != nil {
			return err
		}
		token.ConsumedAt = &now
		if err := tx.Save(&token).Error; err != nil {
			return err
		}
		return appendEvent(tx, now, &token.BuyingOrderID, "", "voucher.image_downloaded",
			fmt.Sprintf("token=%s", token.Token))
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}
