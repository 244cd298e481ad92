package models

import (
	"encoding/json"
	"time"
)

// PaymentRequest is an issued payment code. It is immutable once issued.
type PaymentRequest struct {
	Fingerprint   string
	Code          string
	Amount        int64
	Currency      string
	BillReference string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// MarshalJSON renders timestamps as epoch millis, the shape browser clients expect.
func (p PaymentRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code          string `json:"code"`
		Fingerprint   string `json:"fingerprint"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		BillReference string `json:"billReference"`
		CreatedAt     int64  `json:"createdAt"`
		ExpiresAt     int64  `json:"expiresAt"`
	}{
		Code:          p.Code,
		Fingerprint:   p.Fingerprint,
		Amount:        p.Amount,
		Currency:      p.Currency,
		BillReference: p.BillReference,
		CreatedAt:     p.CreatedAt.UnixMilli(),
		ExpiresAt:     p.ExpiresAt.UnixMilli(),
	})
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
)

// Payment is the ledger view of an issued request.
type Payment struct {
	PaymentRequest
	Status    PaymentStatus
	SettledAt *time.Time
}

type CreatePayment struct {
	// Amount is in minor units. Nil means the configured default.
	Amount        *int64 `json:"amount,omitempty"`
	Currency      string `json:"currency"`
	BillReference string `json:"billReference"`
	TTLSeconds    int64  `json:"ttlSeconds"`
}

// Amount returns a pointer to minor, for building a CreatePayment.
func Amount(minor int64) *int64 {
	return &minor
}

type CheckStatus struct {
	Fingerprint string `json:"fingerprint"`
	// MD5 is the key used by older clients.
	MD5 string `json:"md5"`
}

type CheckStatusResult struct {
	Status  PaymentStatus `json:"status"`
	Expired bool          `json:"expired,omitempty"`
}
