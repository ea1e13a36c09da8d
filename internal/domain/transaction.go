package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents an incoming transaction to be scored.
// Fields are never mutated after creation.
type Transaction struct {
	// Core identifiers
	ID     string `json:"id"`
	UserID string `json:"userId"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Optional geography
	Location *Location `json:"location,omitempty"`

	// Optional merchant details
	MerchantID string `json:"merchantId,omitempty"`
	Category   string `json:"category,omitempty"`

	// Optional payment channel details
	PaymentMethod string `json:"paymentMethod,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	IPAddress     string `json:"ipAddress,omitempty"`

	// Free-form metadata (screen_resolution, timezone, proxy, vpn, tor, ...)
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Location is a geographical point with optional civic fields.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
	State   string  `json:"state,omitempty"`
}

// AmountValue returns the transaction amount as a float64 for scoring math.
// The decimal value is kept intact for persistence and event payloads.
func (t *Transaction) AmountValue() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// Meta returns a metadata value, or empty string when absent.
func (t *Transaction) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// Country returns the declared country code, or empty string when the
// transaction carries no location.
func (t *Transaction) Country() string {
	if t.Location == nil {
		return ""
	}
	return t.Location.Country
}
