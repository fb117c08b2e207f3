package bill

import (
	"cmp"
	"context"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service is the bill record store: it applies defaults, validates input,
// runs the status state machine and stamps timestamps before handing
// records to the DB backend.
type Service struct {
	db         DB
	timeSource TimeSource
}

// NewService creates a new Service using the wall clock
func NewService(db DB) *Service {
	return NewServiceWithDeps(db, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with a custom time source for testing
func NewServiceWithDeps(db DB, timeSrc TimeSource) *Service {
	return &Service{
		db:         db,
		timeSource: timeSrc,
	}
}

// normalizeTime drops the zone and anything below the storage precision
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (s *Service) now() time.Time {
	return normalizeTime(s.timeSource.Now())
}

// stamp returns the next updated_at, strictly after prev
func (s *Service) stamp(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// Create validates and stores a new record
func (s *Service) Create(ctx context.Context, in NewRecord) (*Record, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	rec := &Record{
		PaymentMethod:   in.PaymentMethod,
		Amount:          in.Amount.Round(2),
		Currency:        in.Currency,
		TransactionTime: normalizeTime(in.TransactionTime),
		ProductType:     in.ProductType,
		Merchant:        in.Merchant,
		Description:     in.Description,
		ImagePath:       in.ImagePath,
		OCRText:         in.OCRText,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		CreatedBy:       in.CreatedBy,
	}
	if in.RecordID != nil {
		rec.RecordID = strPtr(*in.RecordID)
	}
	if rec.Currency == "" {
		rec.Currency = DefaultCurrency
	}
	if rec.CreatedBy == "" {
		rec.CreatedBy = DefaultCreatedBy
	}

	saved, err := s.db.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}
	slog.Info("Bill record created", "id", saved.ID, "record_id", deref(saved.RecordID), "created_by", saved.CreatedBy)
	return saved, nil
}

// GetByID retrieves a record by id
func (s *Service) GetByID(ctx context.Context, id int64) (*Record, error) {
	return s.db.GetByID(ctx, id)
}

// GetByRecordID retrieves a record by its external identifier
func (s *Service) GetByRecordID(ctx context.Context, recordID string) (*Record, error) {
	if err := checkRequired("record_id", recordID); err != nil {
		return nil, err
	}
	return s.db.GetByRecordID(ctx, recordID)
}

// UpdateStatus moves a record to status. Moving to the current status
// succeeds without a transition; updated_at is refreshed either way. A
// non-nil description replaces the record's description in the same write,
// and an empty one clears it.
func (s *Service) UpdateStatus(ctx context.Context, id int64, status Status, description *string) (*Record, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	var from Status
	var changed bool
	rec, err := s.db.Update(ctx, id, func(r *Record) error {
		from = r.Status
		next, ok, err := r.Status.next(status)
		if err != nil {
			return err
		}
		changed = ok
		r.Status = next
		r.Description = patchOptional(r.Description, description)
		r.UpdatedAt = s.stamp(r.UpdatedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		slog.Info("Bill status updated", "id", id, "from", from, "to", rec.Status)
	}
	return rec, nil
}

// UpdateStatusByRecordID is UpdateStatus addressed by the external
// identifier. record_id never changes, so resolving it first is safe.
func (s *Service) UpdateStatusByRecordID(ctx context.Context, recordID string, status Status, description *string) (*Record, error) {
	rec, err := s.GetByRecordID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return s.UpdateStatus(ctx, rec.ID, status, description)
}

// UpdateFields corrects the descriptive fields of a record
func (s *Service) UpdateFields(ctx context.Context, id int64, patch Patch) (*Record, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}
	return s.db.Update(ctx, id, func(r *Record) error {
		if err := patch.checkImmutable(r); err != nil {
			return err
		}
		patch.apply(r)
		r.UpdatedAt = s.stamp(r.UpdatedAt)
		return nil
	})
}

// ListByTimeRange yields records with start <= transaction_time <= end,
// ordered by transaction_time. The sequence can be ranged over repeatedly.
func (s *Service) ListByTimeRange(ctx context.Context, start, end time.Time, f Filter) iter.Seq2[*Record, error] {
	if end.Before(start) {
		return failed(invalid("end", "must not be before start"))
	}
	if f.Status != "" {
		if _, err := ParseStatus(string(f.Status)); err != nil {
			return failed(err)
		}
	}
	return s.db.ScanTimeRange(ctx, normalizeTime(start), normalizeTime(end), f)
}

// ListByPaymentMethod yields every record paid with method in insertion order
func (s *Service) ListByPaymentMethod(ctx context.Context, method string) iter.Seq2[*Record, error] {
	if err := checkRequired("payment_method", method); err != nil {
		return failed(err)
	}
	return s.db.ScanPaymentMethod(ctx, method)
}

// Summarize aggregates spending between start and end. Amounts in different
// currencies are added as they are.
func (s *Service) Summarize(ctx context.Context, start, end time.Time) (*Summary, error) {
	sum := &Summary{
		Start:           start,
		End:             end,
		ByProductType:   []Group{},
		ByPaymentMethod: []Group{},
	}
	byType := map[string]*Group{}
	byMethod := map[string]*Group{}

	for rec, err := range s.ListByTimeRange(ctx, start, end, Filter{}) {
		if err != nil {
			return nil, err
		}
		o := &sum.Overall
		if o.Count == 0 || rec.Amount.GreaterThan(o.Max) {
			o.Max = rec.Amount
		}
		if o.Count == 0 || rec.Amount.LessThan(o.Min) {
			o.Min = rec.Amount
		}
		o.Count++
		o.Total = o.Total.Add(rec.Amount)
		addToGroup(byType, rec.ProductType, rec.Amount)
		addToGroup(byMethod, rec.PaymentMethod, rec.Amount)
	}

	if sum.Overall.Count > 0 {
		sum.Overall.Average = sum.Overall.Total.Div(decimal.NewFromInt(int64(sum.Overall.Count))).Round(2)
	}
	sum.ByProductType = sortedGroups(byType)
	sum.ByPaymentMethod = sortedGroups(byMethod)
	return sum, nil
}

// Ping checks the backend
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func addToGroup(groups map[string]*Group, key string, amount decimal.Decimal) {
	g, ok := groups[key]
	if !ok {
		g = &Group{Key: key}
		groups[key] = g
	}
	g.Count++
	g.Total = g.Total.Add(amount)
}

func sortedGroups(groups map[string]*Group) []Group {
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b Group) int {
		if c := b.Total.Cmp(a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

func failed(err error) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		yield(nil, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
