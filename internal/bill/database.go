package bill

import (
	"context"
	"iter"
	"time"
)

// scanBatch is how many records a listing loads per storage round trip
const scanBatch = 256

// DB is the persistence backend behind Service. Implementations must make
// Insert's record_id check atomic with the write and must serialise Update
// calls on the same id.
type DB interface {
	// Insert assigns the next id and stores the record
	Insert(ctx context.Context, rec *Record) (*Record, error)

	// GetByID retrieves a record by its surrogate id
	GetByID(ctx context.Context, id int64) (*Record, error)

	// GetByRecordID retrieves a record by its external identifier
	GetByRecordID(ctx context.Context, recordID string) (*Record, error)

	// Update loads a record, lets fn mutate it and stores the result in one transaction
	Update(ctx context.Context, id int64, fn func(*Record) error) (*Record, error)

	// ScanTimeRange yields records with start <= transaction_time <= end ascending
	ScanTimeRange(ctx context.Context, start, end time.Time, f Filter) iter.Seq2[*Record, error]

	// ScanPaymentMethod yields records with the given payment method in id order
	ScanPaymentMethod(ctx context.Context, method string) iter.Seq2[*Record, error]

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close releases the backend
	Close() error
}
