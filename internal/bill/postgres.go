package bill

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const selectColumns = `id, record_id, payment_method, amount::text, currency, transaction_time,
	product_type, merchant, description, image_path, ocr_text, status, created_at, updated_at, created_by`

// Postgres implements DB on the bill_records table. Uniqueness of record_id
// is enforced by its unique index; updates lock the row for the duration of
// the transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to dsn and pings it
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Migrate creates the bill_records table and its indexes when missing
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrating bill_records: %w", err)
	}
	return nil
}

// Insert writes the record and lets the sequence assign its id
func (p *Postgres) Insert(ctx context.Context, rec *Record) (*Record, error) {
	out := *rec
	err := p.pool.QueryRow(ctx, `
		INSERT INTO bill_records (record_id, payment_method, amount, currency, transaction_time,
			product_type, merchant, description, image_path, ocr_text, status, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		out.RecordID, out.PaymentMethod, out.Amount.StringFixed(2), out.Currency, out.TransactionTime,
		out.ProductType, out.Merchant, out.Description, out.ImagePath, out.OCRText, string(out.Status),
		out.CreatedAt, out.UpdatedAt, out.CreatedBy,
	).Scan(&out.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && out.RecordID != nil {
			return nil, conflict(*out.RecordID)
		}
		return nil, storageErr("insert", err)
	}
	return &out, nil
}

// GetByID retrieves a record by id
func (p *Postgres) GetByID(ctx context.Context, id int64) (*Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM bill_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("get by id", err)
	}
	return rec, nil
}

// GetByRecordID retrieves a record through the record_id index
func (p *Postgres) GetByRecordID(ctx context.Context, recordID string) (*Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM bill_records WHERE record_id = $1`, recordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(recordID)
	}
	if err != nil {
		return nil, storageErr("get by record_id", err)
	}
	return rec, nil
}

// Update locks the row, applies fn and writes back every mutable column
func (p *Postgres) Update(ctx context.Context, id int64, fn func(*Record) error) (*Record, error) {
	var out *Record
	err := withTx(ctx, p.pool, func(tx pgx.Tx) error {
		cur, err := scanRecord(tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM bill_records WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		next := *cur
		if err := fn(&next); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE bill_records SET payment_method = $1, amount = $2, currency = $3, transaction_time = $4,
				product_type = $5, merchant = $6, description = $7, image_path = $8, ocr_text = $9,
				status = $10, updated_at = $11
			WHERE id = $12`,
			next.PaymentMethod, next.Amount.StringFixed(2), next.Currency, next.TransactionTime,
			next.ProductType, next.Merchant, next.Description, next.ImagePath, next.OCRText,
			string(next.Status), next.UpdatedAt, id,
		)
		if err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, storageErr("update", err)
	}
	return out, nil
}

// ScanTimeRange pages through the transaction_time index with a keyset cursor
func (p *Postgres) ScanTimeRange(ctx context.Context, start, end time.Time, f Filter) iter.Seq2[*Record, error] {
	return p.scanPages(ctx, "scan time range", func(last *Record) (string, []any) {
		afterTime, afterID := start, int64(0)
		if last != nil {
			afterTime, afterID = last.TransactionTime, last.ID
		}
		return `SELECT ` + selectColumns + ` FROM bill_records
			WHERE (transaction_time, id) > ($1, $2) AND transaction_time <= $3
				AND ($4::text = '' OR payment_method = $4::text) AND ($5::text = '' OR status = $5::text)
			ORDER BY transaction_time, id
			LIMIT $6`,
			[]any{afterTime, afterID, end, f.PaymentMethod, string(f.Status), scanBatch}
	})
}

// ScanPaymentMethod pages through the payment_method index in id order
func (p *Postgres) ScanPaymentMethod(ctx context.Context, method string) iter.Seq2[*Record, error] {
	return p.scanPages(ctx, "scan payment method", func(last *Record) (string, []any) {
		afterID := int64(0)
		if last != nil {
			afterID = last.ID
		}
		return `SELECT ` + selectColumns + ` FROM bill_records
			WHERE payment_method = $1 AND id > $2
			ORDER BY id
			LIMIT $3`,
			[]any{method, afterID, scanBatch}
	})
}

// scanPages runs one query per batch so no rows stay open while the caller
// consumes records
func (p *Postgres) scanPages(ctx context.Context, op string, next func(last *Record) (string, []any)) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		var last *Record
		for {
			query, args := next(last)
			batch, err := p.queryRecords(ctx, query, args...)
			if err != nil {
				yield(nil, storageErr(op, err))
				return
			}
			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			if len(batch) < scanBatch {
				return
			}
			last = batch[len(batch)-1]
		}
	}
}

func (p *Postgres) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping checks the pool
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close closes the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec    Record
		amount string
		status string
	)
	err := row.Scan(&rec.ID, &rec.RecordID, &rec.PaymentMethod, &amount, &rec.Currency, &rec.TransactionTime,
		&rec.ProductType, &rec.Merchant, &rec.Description, &rec.ImagePath, &rec.OCRText, &status,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.CreatedBy)
	if err != nil {
		return nil, err
	}
	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	rec.Amount = rec.Amount.Round(2)
	rec.Status = Status(status)
	return &rec, nil
}

// withTx runs fn inside a read committed transaction. Row locks taken with
// FOR UPDATE make concurrent updates of one record wait for each other.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
