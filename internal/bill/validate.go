package bill

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// amounts are NUMERIC(10,2): at most 8 integer digits
var maxAmount = decimal.New(1, 8)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names so errors line up with the wire format
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return invalid("record", err.Error())
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return invalid(fe.Field(), "is required")
	case "max":
		return invalid(fe.Field(), fmt.Sprintf("must be at most %s characters", fe.Param()))
	case "min":
		return invalid(fe.Field(), fmt.Sprintf("must be at least %s characters", fe.Param()))
	default:
		return invalid(fe.Field(), fmt.Sprintf("failed %s check", fe.Tag()))
	}
}

func checkAmount(d decimal.Decimal) error {
	if !d.Equal(d.Round(2)) {
		return invalid("amount", "must have at most 2 fractional digits")
	}
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return invalid("amount", "must have at most 10 digits")
	}
	return nil
}

func checkRequired(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(field, "is required")
	}
	if strings.ContainsRune(value, 0) {
		return invalid(field, "must not contain NUL")
	}
	return nil
}

func (n NewRecord) validate() error {
	if err := validateStruct(n); err != nil {
		return err
	}
	if err := checkRequired("payment_method", n.PaymentMethod); err != nil {
		return err
	}
	if err := checkRequired("product_type", n.ProductType); err != nil {
		return err
	}
	if n.RecordID != nil {
		if err := checkRequired("record_id", *n.RecordID); err != nil {
			return err
		}
	}
	if n.Currency != "" {
		if err := checkRequired("currency", n.Currency); err != nil {
			return err
		}
	}
	return checkAmount(*n.Amount)
}

func (p Patch) validate() error {
	if p.empty() {
		return invalid("patch", "no fields to update")
	}
	if p.UpdatedAt != nil {
		return invalid("updated_at", "is set by the store")
	}
	if err := validateStruct(p); err != nil {
		return err
	}
	if p.PaymentMethod != nil {
		if err := checkRequired("payment_method", *p.PaymentMethod); err != nil {
			return err
		}
	}
	if p.ProductType != nil {
		if err := checkRequired("product_type", *p.ProductType); err != nil {
			return err
		}
	}
	if p.Currency != nil {
		// amount and currency are never null, so currency cannot be cleared
		if err := checkRequired("currency", *p.Currency); err != nil {
			return err
		}
	}
	if p.TransactionTime != nil && p.TransactionTime.IsZero() {
		return invalid("transaction_time", "is required")
	}
	if p.Amount != nil {
		return checkAmount(*p.Amount)
	}
	return nil
}

func (p Patch) empty() bool {
	return p.PaymentMethod == nil && p.Amount == nil && p.Currency == nil &&
		p.TransactionTime == nil && p.ProductType == nil && p.Merchant == nil &&
		p.Description == nil && p.ImagePath == nil && p.OCRText == nil &&
		p.ID == nil && p.RecordID == nil && p.CreatedAt == nil &&
		p.CreatedBy == nil && p.UpdatedAt == nil && p.Status == nil
}

// checkImmutable rejects a patch that would change a field fixed at creation
func (p Patch) checkImmutable(r *Record) error {
	if p.ID != nil && *p.ID != r.ID {
		return invalid("id", "is immutable")
	}
	if p.RecordID != nil && (r.RecordID == nil || *p.RecordID != *r.RecordID) {
		return invalid("record_id", "is immutable")
	}
	if p.CreatedAt != nil && !p.CreatedAt.Equal(r.CreatedAt) {
		return invalid("created_at", "is immutable")
	}
	if p.CreatedBy != nil && *p.CreatedBy != r.CreatedBy {
		return invalid("created_by", "is immutable")
	}
	if p.Status != nil && *p.Status != r.Status {
		return invalid("status", "must be changed through a status update")
	}
	return nil
}

func (p Patch) apply(r *Record) {
	if p.PaymentMethod != nil {
		r.PaymentMethod = *p.PaymentMethod
	}
	if p.Amount != nil {
		r.Amount = p.Amount.Round(2)
	}
	if p.Currency != nil {
		r.Currency = *p.Currency
	}
	if p.TransactionTime != nil {
		r.TransactionTime = normalizeTime(*p.TransactionTime)
	}
	if p.ProductType != nil {
		r.ProductType = *p.ProductType
	}
	r.Merchant = patchOptional(r.Merchant, p.Merchant)
	r.Description = patchOptional(r.Description, p.Description)
	r.ImagePath = patchOptional(r.ImagePath, p.ImagePath)
	r.OCRText = patchOptional(r.OCRText, p.OCRText)
}

func patchOptional(cur, next *string) *string {
	switch {
	case next == nil:
		return cur
	case *next == "":
		return nil
	default:
		return strPtr(*next)
	}
}
