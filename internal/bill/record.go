package bill

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultCurrency is applied when a record is created without a currency.
	DefaultCurrency = "CNY"
	// DefaultCreatedBy marks records whose creator is unassigned.
	DefaultCreatedBy = "000000"
	// MaxCreatedByLength is the longest created_by, in characters.
	MaxCreatedByLength = 20
)

// Record is a single bill/receipt entry in the store
type Record struct {
	ID              int64           `json:"id"`
	RecordID        *string         `json:"record_id,omitempty"`
	PaymentMethod   string          `json:"payment_method"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	TransactionTime time.Time       `json:"transaction_time"`
	ProductType     string          `json:"product_type"`
	Merchant        *string         `json:"merchant,omitempty"`
	Description     *string         `json:"description,omitempty"`
	ImagePath       *string         `json:"image_path,omitempty"` // key in the image store, never the bytes
	OCRText         *string         `json:"ocr_text,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CreatedBy       string          `json:"created_by"`
}

// MarshalJSON writes the amount with its two fractional digits
func (r Record) MarshalJSON() ([]byte, error) {
	type record Record
	return json.Marshal(struct {
		record
		Amount string `json:"amount"`
	}{record(r), r.Amount.StringFixed(2)})
}

// NewRecord holds the caller-supplied fields for Create
type NewRecord struct {
	RecordID        *string          `json:"record_id,omitempty" validate:"omitempty,max=50"`
	PaymentMethod   string           `json:"payment_method" validate:"required,max=50"`
	Amount          *decimal.Decimal `json:"amount" validate:"required"`
	Currency        string           `json:"currency,omitempty" validate:"omitempty,min=3,max=10"`
	TransactionTime time.Time        `json:"transaction_time" validate:"required"`
	ProductType     string           `json:"product_type" validate:"required,max=100"`
	Merchant        *string          `json:"merchant,omitempty" validate:"omitempty,max=200"`
	Description     *string          `json:"description,omitempty"`
	ImagePath       *string          `json:"image_path,omitempty" validate:"omitempty,max=500"`
	OCRText         *string          `json:"ocr_text,omitempty"`
	CreatedBy       string           `json:"created_by,omitempty" validate:"omitempty,max=20"`
}

// Patch is a partial update of the descriptive fields of a record.
//
// A nil field is left untouched. An empty string clears an optional field.
// The immutable fields are accepted only so that attempts to change them
// can be rejected.
type Patch struct {
	PaymentMethod   *string          `json:"payment_method,omitempty" validate:"omitempty,max=50"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Currency        *string          `json:"currency,omitempty" validate:"omitempty,min=3,max=10"`
	TransactionTime *time.Time       `json:"transaction_time,omitempty"`
	ProductType     *string          `json:"product_type,omitempty" validate:"omitempty,max=100"`
	Merchant        *string          `json:"merchant,omitempty" validate:"omitempty,max=200"`
	Description     *string          `json:"description,omitempty"`
	ImagePath       *string          `json:"image_path,omitempty" validate:"omitempty,max=500"`
	OCRText         *string          `json:"ocr_text,omitempty"`

	ID        *int64     `json:"id,omitempty"`
	RecordID  *string    `json:"record_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	CreatedBy *string    `json:"created_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Status    *Status    `json:"status,omitempty"`
}

// Filter narrows a time range listing. Zero values match everything.
type Filter struct {
	PaymentMethod string
	Status        Status
}

func (f Filter) match(r *Record) bool {
	if f.PaymentMethod != "" && r.PaymentMethod != f.PaymentMethod {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Summary aggregates spending over a time range
type Summary struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Overall         Totals    `json:"overall"`
	ByProductType   []Group   `json:"by_product_type"`
	ByPaymentMethod []Group   `json:"by_payment_method"`
}

// Totals are the overall figures of a Summary
type Totals struct {
	Count   int             `json:"count"`
	Total   decimal.Decimal `json:"total"`
	Average decimal.Decimal `json:"average"`
	Max     decimal.Decimal `json:"max"`
	Min     decimal.Decimal `json:"min"`
}

func (t Totals) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count   int    `json:"count"`
		Total   string `json:"total"`
		Average string `json:"average"`
		Max     string `json:"max"`
		Min     string `json:"min"`
	}{t.Count, t.Total.StringFixed(2), t.Average.StringFixed(2), t.Max.StringFixed(2), t.Min.StringFixed(2)})
}

// Group is one row of a grouped Summary
type Group struct {
	Key   string          `json:"key"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

func (g Group) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key   string `json:"key"`
		Count int    `json:"count"`
		Total string `json:"total"`
	}{g.Key, g.Count, g.Total.StringFixed(2)})
}

func strPtr(s string) *string {
	return &s
}
