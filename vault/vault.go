// Package vault encrypts and discloses cash-voucher payloads. Plaintext is
// never persisted; the server holds only ciphertext and a non-secret public
// locator, and the decryption key is derived on demand from a caller-held
// secret.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"voucherswap/fault"
	"voucherswap/models"
)

const (
	saltSize = 16
	keySize  = 32
)

// KeyDeriver binds a caller-held secret to an encryption key. The derivation
// must round-trip and must not be invertible without the secret.
type KeyDeriver func(secret string, salt []byte) ([]byte, error)

// ScryptDeriver is the default key derivation: scrypt N=2^15, r=8, p=1.
func ScryptDeriver(secret string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(secret), salt, 1<<15, 8, 1, keySize)
}

// TxDataReader fetches a settlement transaction's call data from the chain.
// The activation transaction of a buying order carries the sealed voucher as
// its payload, so the ciphertext can be re-derived without the local store.
type TxDataReader interface {
	TransactionData(ctx context.Context, hash common.Hash) ([]byte, error)
}

// Sealed is the persistable result of encrypting a voucher payload.
type Sealed struct {
	Ciphertext string
	PublicUUID uuid.UUID
}

// Seal encrypts payload under a key derived from secret. The envelope is
// salt || nonce || ciphertext, base64-encoded; the secret itself is never
// stored anywhere.
func Seal(payload, secret string, derive KeyDeriver) (*Sealed, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("vault: secret is required")
	}
	if derive == nil {
		derive = ScryptDeriver
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: salt: %w", err)
	}
	key, err := derive(secret, salt)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	envelope := append(append(salt, nonce...), gcm.Seal(nil, nonce, []byte(payload), nil)...)
	return &Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(envelope),
		PublicUUID: uuid.New(),
	}, nil
}

// open decrypts a raw envelope. Every failure collapses into the same
// decryption fault so a wrong secret is indistinguishable from missing data.
func open(envelope []byte, secret string, derive KeyDeriver) (string, error) {
	if derive == nil {
		derive = ScryptDeriver
	}
	if len(envelope) <= saltSize {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	salt := envelope[:saltSize]
	key, err := derive(secret, salt)
	if err != nil {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	rest := envelope[saltSize:]
	if len(rest) <= gcm.NonceSize() {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	plain, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	return string(plain), nil
}

// Open decrypts a base64 envelope produced by Seal.
func Open(ciphertext, secret string, derive KeyDeriver) (string, error) {
	envelope, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	return open(envelope, secret, derive)
}

// RevealMethod selects the ciphertext source for decryption.
type RevealMethod string

const (
	RevealLocal      RevealMethod = "local"
	RevealBlockchain RevealMethod = "blockchain"
	RevealAuto       RevealMethod = "auto"
)

// RevealResult reports the recovered payload and which path produced it.
type RevealResult struct {
	Payload string       `json:"payload"`
	Method  RevealMethod `json:"method"`
}

// Config captures the dependencies required to construct a Vault.
type Config struct {
	DB           *gorm.DB
	Reader       TxDataReader
	Derive       KeyDeriver
	ChainTimeout time.Duration
	TokenTTL     time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Vault manages sealed voucher payloads and one-time image disclosure.
type Vault struct {
	db           *gorm.DB
	reader       TxDataReader
	derive       KeyDeriver
	chainTimeout time.Duration
	tokenTTL     time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewVault builds a configured vault.
func NewVault(cfg Config) (*Vault, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("vault: db is required")
	}
	if cfg.Derive == nil {
		cfg.Derive = ScryptDeriver
	}
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = 10 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Vault{
		db:           cfg.DB,
		reader:       cfg.Reader,
		derive:       cfg.Derive,
		chainTimeout: cfg.ChainTimeout,
		tokenTTL:     cfg.TokenTTL,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Reveal decrypts the voucher for a filled buying order. Only the designated
// filler may reveal, and only once the order is filled. A wrong secret and
// unavailable data surface as the same decryption fault regardless of
// method.
func (v *Vault) Reveal(ctx context.Context, orderID uuid.UUID, caller string, secret string, method RevealMethod) (*RevealResult, error) {
	var order models.BuyingOrder
	if err := v.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.OrderNotFound, "buying order %s not found", orderID)
		}
		return nil, fault.Wrap(fault.FetchFailed, "load buying order", err)
	}
	if order.Status != models.OrderFilled {
		return nil, fault.New(fault.Unauthorized, "voucher is not revealable until the order is filled")
	}
	if order.FilledBy == "" || !strings.EqualFold(order.FilledBy, caller) {
		return nil, fault.New(fault.Unauthorized, "only the filling party may reveal the voucher")
	}

	result, err := v.reveal(ctx, &order, secret, method)
	if err != nil {
		return nil, err
	}

	now := v.now()
	bkErr := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fresh models.BuyingOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&fresh, "id = ?", order.ID).Error; err != nil {
			return err
		}
		if fresh.RevealedAt == nil {
			fresh.RevealedAt = &now
			fresh.UpdatedAt = now
			if err := tx.Save(&fresh).Error; err != nil {
				return err
			}
		}
		return appendEvent(tx, now, &order.ID, caller, "voucher.revealed", fmt.Sprintf("method=%s", result.Method))
	})
	if bkErr != nil {
		// The voucher is already decrypted; surface the bookkeeping
		// failure in the logs rather than withholding the payload.
		v.logger.Warn("reveal bookkeeping failed", "order", order.ID, "err", bkErr)
	}
	return result, nil
}

func (v *Vault) reveal(ctx context.Context, order *models.BuyingOrder, secret string, method RevealMethod) (*RevealResult, error) {
	switch method {
	case RevealLocal:
		payload, err := v.revealLocal(order, secret)
		if err != nil {
			return nil, err
		}
		return &RevealResult{Payload: payload, Method: RevealLocal}, nil
	case RevealBlockchain:
		payload, err := v.revealBlockchain(ctx, order, secret)
		if err != nil {
			return nil, err
		}
		return &RevealResult{Payload: payload, Method: RevealBlockchain}, nil
	case RevealAuto:
		if payload, err := v.revealLocal(order, secret); err == nil {
			return &RevealResult{Payload: payload, Method: RevealLocal}, nil
		}
		payload, err := v.revealBlockchain(ctx, order, secret)
		if err != nil {
			return nil, fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
		}
		return &RevealResult{Payload: payload, Method: RevealBlockchain}, nil
	default:
		return nil, fmt.Errorf("vault: unknown reveal method %q", method)
	}
}

func (v *Vault) revealLocal(order *models.BuyingOrder, secret string) (string, error) {
	if strings.TrimSpace(order.EncryptedPayload) == "" {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	return Open(order.EncryptedPayload, secret, v.derive)
}

func (v *Vault) revealBlockchain(ctx context.Context, order *models.BuyingOrder, secret string) (string, error) {
	if v.reader == nil || strings.TrimSpace(order.AnchorHash) == "" {
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	readCtx, cancel := context.WithTimeout(ctx, v.chainTimeout)
	defer cancel()
	data, err := v.reader.TransactionData(readCtx, common.HexToHash(order.AnchorHash))
	if err != nil {
		v.logger.Warn("anchored ciphertext fetch failed", "order", order.ID, "err", err)
		return "", fault.New(fault.DecryptionFailed, "voucher could not be decrypted")
	}
	return open(data, secret, v.derive)
}

func appendEvent(tx *gorm.DB, now time.Time, orderID *uuid.UUID, actor, action, details string) error {
	event := models.Event{
		ID:        uuid.New(),
		OrderID:   orderID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: now,
	}
	return tx.Create(&event).Error
}
