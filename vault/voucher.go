package vault

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"voucherswap/fault"
)

// AmountTolerance is the permitted deviation between a voucher's face amount
// and the order's expected counter-currency amount.
const AmountTolerance = 0.05

// expirationLayout parses voucher expirations of the form "YY/MM/DD HH:MM:SS"
// with the two-digit year offset from 2000.
const expirationLayout = "06/01/02 15:04:05"

// Payload is the cash-voucher QR wire format consumed by the engine.
type Payload struct {
	Operation  string  `json:"operationType"`
	Amount     float64 `json:"amount"`
	Expiration string  `json:"expiration"`
	Reference  string  `json:"reference"`
}

// ParsePayload decodes a raw voucher payload.
func ParsePayload(raw string) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("vault: voucher payload is not valid JSON: %w", err)
	}
	if strings.TrimSpace(p.Reference) == "" {
		return nil, fmt.Errorf("vault: voucher payload missing reference code")
	}
	return &p, nil
}

// ExpiresAt parses the embedded expiration timestamp. The two-digit year is
// always an offset from 2000; time.Parse maps 69 through 99 into the 1900s,
// so those get shifted forward a century.
func (p *Payload) ExpiresAt() (time.Time, error) {
	ts, err := time.Parse(expirationLayout, strings.TrimSpace(p.Expiration))
	if err != nil {
		return time.Time{}, fault.Wrap(fault.VoucherExpired, "voucher expiration is unparseable", err)
	}
	if ts.Year() < 2000 {
		ts = ts.AddDate(100, 0, 0)
	}
	return ts, nil
}

// Validate checks the face amount against the expected counter-currency
// amount (±5%) and rejects vouchers already expired at validation time.
// Both checks happen before any settlement transaction is created.
func (p *Payload) Validate(expectedAmount float64, now time.Time) error {
	if expectedAmount <= 0 {
		return fault.New(fault.AmountMismatch, "expected amount must be positive")
	}
	low := expectedAmount * (1 - AmountTolerance)
	high := expectedAmount * (1 + AmountTolerance)
	if p.Amount < low || p.Amount > high {
		return fault.Newf(fault.AmountMismatch,
			"voucher amount %.2f outside ±%.0f%% of expected %.2f",
			p.Amount, AmountTolerance*100, expectedAmount)
	}
	expiresAt, err := p.ExpiresAt()
	if err != nil {
		return err
	}
	if now.After(expiresAt) {
		return fault.Newf(fault.VoucherExpired, "voucher expired at %s", expiresAt.Format(time.RFC3339))
	}
	return nil
}
