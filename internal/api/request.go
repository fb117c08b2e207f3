package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/billstore/internal/bill"
)

// maxBodySize bounds JSON request bodies
const maxBodySize = 1 << 20

// layouts accepted for timestamps in bodies and query strings
var timeLayouts = []string{time.RFC3339Nano, time.DateTime, "2006-01-02T15:04:05", time.DateOnly}

func parseTime(s string) (time.Time, bool, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout == time.DateOnly, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("cannot parse %q as a time", s)
}

// flexTime is a timestamp in RFC 3339 or YYYY-MM-DD HH:MM:SS form
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, _, err := parseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t *flexTime) ptr() *time.Time {
	if t == nil {
		return nil
	}
	v := t.Time
	return &v
}

type createRequest struct {
	RecordID        *string          `json:"record_id"`
	PaymentMethod   string           `json:"payment_method"`
	Amount          *decimal.Decimal `json:"amount"`
	Currency        string           `json:"currency"`
	TransactionTime flexTime         `json:"transaction_time"`
	ProductType     string           `json:"product_type"`
	Merchant        *string          `json:"merchant"`
	Description     *string          `json:"description"`
	ImagePath       *string          `json:"image_path"`
	OCRText         *string          `json:"ocr_text"`
	CreatedBy       string           `json:"created_by"`
}

func (c createRequest) record() bill.NewRecord {
	return bill.NewRecord{
		RecordID:        c.RecordID,
		PaymentMethod:   c.PaymentMethod,
		Amount:          c.Amount,
		Currency:        c.Currency,
		TransactionTime: c.TransactionTime.Time,
		ProductType:     c.ProductType,
		Merchant:        c.Merchant,
		Description:     c.Description,
		ImagePath:       c.ImagePath,
		OCRText:         c.OCRText,
		CreatedBy:       c.CreatedBy,
	}
}

type patchRequest struct {
	PaymentMethod   *string          `json:"payment_method"`
	Amount          *decimal.Decimal `json:"amount"`
	Currency        *string          `json:"currency"`
	TransactionTime *flexTime        `json:"transaction_time"`
	ProductType     *string          `json:"product_type"`
	Merchant        *string          `json:"merchant"`
	Description     *string          `json:"description"`
	ImagePath       *string          `json:"image_path"`
	OCRText         *string          `json:"ocr_text"`

	ID        *int64       `json:"id"`
	RecordID  *string      `json:"record_id"`
	CreatedAt *flexTime    `json:"created_at"`
	CreatedBy *string      `json:"created_by"`
	UpdatedAt *flexTime    `json:"updated_at"`
	Status    *bill.Status `json:"status"`
}

func (p patchRequest) patch() bill.Patch {
	return bill.Patch{
		PaymentMethod:   p.PaymentMethod,
		Amount:          p.Amount,
		Currency:        p.Currency,
		TransactionTime: p.TransactionTime.ptr(),
		ProductType:     p.ProductType,
		Merchant:        p.Merchant,
		Description:     p.Description,
		ImagePath:       p.ImagePath,
		OCRText:         p.OCRText,
		ID:              p.ID,
		RecordID:        p.RecordID,
		CreatedAt:       p.CreatedAt.ptr(),
		CreatedBy:       p.CreatedBy,
		UpdatedAt:       p.UpdatedAt.ptr(),
		Status:          p.Status,
	}
}

type statusRequest struct {
	Status      bill.Status `json:"status"`
	Description *string     `json:"description"`
}

// decodeJSON reads one JSON object and rejects unknown fields
func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}

// timeRange reads start and end from the query string. A missing start
// or end leaves that side open; a date-only end covers the whole day.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	start := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

	if s := r.URL.Query().Get("start"); s != "" {
		t, _, err := parseTime(s)
		if err != nil {
			return start, end, fmt.Errorf("start: %w", err)
		}
		start = t
	}
	if s := r.URL.Query().Get("end"); s != "" {
		t, dateOnly, err := parseTime(s)
		if err != nil {
			return start, end, fmt.Errorf("end: %w", err)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Microsecond)
		}
		end = t
	}
	return start, end, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// maxPage keeps (page-1)*page_size inside an int
const maxPage = math.MaxInt / maxPageSize

type pageParams struct {
	Page     int
	PageSize int
}

func (p pageParams) offset() int {
	return (p.Page - 1) * p.PageSize
}

func paging(r *http.Request) (pageParams, error) {
	p := pageParams{Page: 1, PageSize: defaultPageSize}
	q := r.URL.Query()
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxPage {
			return p, fmt.Errorf("page must be between 1 and %d", maxPage)
		}
		p.Page = n
	}
	if s := q.Get("page_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxPageSize {
			return p, fmt.Errorf("page_size must be between 1 and %d", maxPageSize)
		}
		p.PageSize = n
	}
	return p, nil
}

func pathID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid bill id %q", raw)
	}
	return id, nil
}
