package scanning

import (
	"context"

	"github.com/shopspring/decimal"
)

// BillData is what a scanner reads off a bill image
type BillData struct {
	PaymentMethod   string          `json:"payment_method"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionTime string          `json:"transaction_time"` // YYYY-MM-DD HH:MM:SS
	ProductType     string          `json:"product_type"`
	Merchant        string          `json:"merchant,omitempty"`
	Description     string          `json:"description,omitempty"`
	RawText         string          `json:"raw_text"` // everything the model could read
}

// Scanner defines the interface for bill scanning operations
type Scanner interface {
	// ScanBill analyzes a bill image/PDF and extracts the record fields
	ScanBill(ctx context.Context, imageData []byte, contentType string) (*BillData, error)
	// Close closes the scanner and releases resources
	Close() error
}
