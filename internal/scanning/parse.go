package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is the layout of BillData.TransactionTime
const TimeLayout = time.DateTime

const (
	unknownPaymentMethod = "unknown"
	unknownProductType   = "other"
)

// layouts models have been seen to answer with besides TimeLayout
var timeLayouts = []string{
	TimeLayout,
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006年1月2日 15:04:05",
	"2006年1月2日 15:04",
	"2006-01-02",
	"2006/01/02",
	"2006年1月2日",
}

// rawBill mirrors BillData with every field optional
type rawBill struct {
	PaymentMethod   *string          `json:"payment_method"`
	Amount          *decimal.Decimal `json:"amount"`
	TransactionTime *string          `json:"transaction_time"`
	ProductType     *string          `json:"product_type"`
	Merchant        *string          `json:"merchant"`
	Description     *string          `json:"description"`
	RawText         *string          `json:"raw_text"`
}

// parseBillJSON extracts the JSON object from a model answer and normalises
// it. now is used when no transaction time can be read.
func parseBillJSON(text string, now time.Time) (*BillData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")

	start := strings.Index(text, "{")
	if start == -1 {
		return nil, errors.New("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return nil, errors.New("invalid JSON object in response")
	}

	var raw rawBill
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	if raw.Amount == nil {
		return nil, errors.New("no amount found on bill")
	}

	data := &BillData{
		PaymentMethod:   orDefault(raw.PaymentMethod, unknownPaymentMethod),
		Amount:          raw.Amount.Round(2),
		TransactionTime: normalizeTime(orDefault(raw.TransactionTime, ""), now),
		ProductType:     orDefault(raw.ProductType, unknownProductType),
		Merchant:        orDefault(raw.Merchant, ""),
		Description:     orDefault(raw.Description, ""),
		RawText:         orDefault(raw.RawText, ""),
	}
	return data, nil
}

// normalizeTime rewrites s in TimeLayout, falling back to now
func normalizeTime(s string, now time.Time) string {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimeLayout)
		}
	}
	return now.Format(TimeLayout)
}

func orDefault(s *string, def string) string {
	if s == nil {
		return def
	}
	if v := strings.TrimSpace(*s); v != "" {
		return v
	}
	return def
}
