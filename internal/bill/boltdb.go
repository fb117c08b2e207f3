package bill

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.etcd.io/bbolt"
)

var (
	recordsBucket   = []byte("records")
	recordIDsBucket = []byte("record_ids")
	byTimeBucket    = []byte("by_time")
	byPaymentBucket = []byte("by_payment")
)

// length of the transaction_time part of a by_time key
const timePrefixLen = 12

// BoltDB implements DB on a single bbolt file. bbolt allows one writer at a
// time, so every Update transaction is serialised against all others.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (or creates) the database file at path
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, recordIDsBucket, byTimeBucket, byPaymentBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Insert assigns the next sequence number as id and writes the record and
// its index entries in one transaction
func (b *BoltDB) Insert(ctx context.Context, rec *Record) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("insert", err)
	}
	out := *rec
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if out.RecordID != nil {
			if tx.Bucket(recordIDsBucket).Get([]byte(*out.RecordID)) != nil {
				return conflict(*out.RecordID)
			}
		}
		seq, err := tx.Bucket(recordsBucket).NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		out.ID = int64(seq)
		if err := putRecord(tx, &out); err != nil {
			return err
		}
		if out.RecordID != nil {
			if err := tx.Bucket(recordIDsBucket).Put([]byte(*out.RecordID), idKey(out.ID)); err != nil {
				return err
			}
		}
		return addIndexes(tx, &out)
	})
	if err != nil {
		return nil, storageErr("insert", err)
	}
	return &out, nil
}

// GetByID retrieves a record by id
func (b *BoltDB) GetByID(ctx context.Context, id int64) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, storageErr("get by id", err)
	}
	return rec, nil
}

// GetByRecordID resolves the record_id index and loads the record
func (b *BoltDB) GetByRecordID(ctx context.Context, recordID string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(recordIDsBucket).Get([]byte(recordID))
		if id == nil {
			return notFound(recordID)
		}
		var err error
		rec, err = getRecord(tx, idFromKey(id))
		return err
	})
	if err != nil {
		return nil, storageErr("get by record_id", err)
	}
	return rec, nil
}

// Update runs fn against the stored record and rewrites it and its indexes
func (b *BoltDB) Update(ctx context.Context, id int64, fn func(*Record) error) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("update", err)
	}
	var out *Record
	err := b.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		next := *cur
		if err := fn(&next); err != nil {
			return err
		}
		if err := removeIndexes(tx, cur); err != nil {
			return err
		}
		if err := putRecord(tx, &next); err != nil {
			return err
		}
		out = &next
		return addIndexes(tx, &next)
	})
	if err != nil {
		return nil, storageErr("update", err)
	}
	return out, nil
}

// ScanTimeRange walks the by_time index from start to end
func (b *BoltDB) ScanTimeRange(ctx context.Context, start, end time.Time, f Filter) iter.Seq2[*Record, error] {
	upper := timeKey(end, 0)[:timePrefixLen]
	return b.scanIndex(ctx, "scan time range", byTimeBucket, timeKey(start, 0),
		func(k []byte) bool { return bytes.Compare(k[:timePrefixLen], upper) <= 0 },
		func(k []byte) int64 { return idFromKey(k[timePrefixLen:]) },
		f.match,
	)
}

// ScanPaymentMethod walks the by_payment entries sharing the method prefix
func (b *BoltDB) ScanPaymentMethod(ctx context.Context, method string) iter.Seq2[*Record, error] {
	prefix := append([]byte(method), 0)
	return b.scanIndex(ctx, "scan payment method", byPaymentBucket, prefix,
		func(k []byte) bool { return bytes.HasPrefix(k, prefix) },
		func(k []byte) int64 { return idFromKey(k[len(prefix):]) },
		func(*Record) bool { return true },
	)
}

// scanIndex pages through an index bucket in scanBatch sized read
// transactions, so no transaction stays open while the caller consumes
// records.
func (b *BoltDB) scanIndex(ctx context.Context, op string, bucket, from []byte,
	inRange func([]byte) bool, idOf func([]byte) int64, keep func(*Record) bool) iter.Seq2[*Record, error] {

	return func(yield func(*Record, error) bool) {
		cursor := from
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, storageErr(op, err))
				return
			}

			var batch []*Record
			var last []byte
			done := true
			err := b.db.View(func(tx *bbolt.Tx) error {
				c := tx.Bucket(bucket).Cursor()
				scanned := 0
				for k, _ := c.Seek(cursor); k != nil && inRange(k); k, _ = c.Next() {
					if scanned == scanBatch {
						done = false
						break
					}
					scanned++
					last = bytes.Clone(k)
					rec, err := getRecord(tx, idOf(k))
					if err != nil {
						return err
					}
					if keep(rec) {
						batch = append(batch, rec)
					}
				}
				return nil
			})
			if err != nil {
				yield(nil, storageErr(op, err))
				return
			}

			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			if done {
				return
			}
			// smallest key strictly after last
			cursor = append(last, 0)
		}
	}
}

// Ping checks that the buckets are readable
func (b *BoltDB) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(recordsBucket) == nil {
			return &StorageError{Op: "ping", Err: errors.New("records bucket missing")}
		}
		return nil
	})
}

// Close closes the database file
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func putRecord(tx *bbolt.Tx, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return tx.Bucket(recordsBucket).Put(idKey(rec.ID), data)
}

func getRecord(tx *bbolt.Tx, id int64) (*Record, error) {
	data := tx.Bucket(recordsBucket).Get(idKey(id))
	if data == nil {
		return nil, notFound(id)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record %d: %w", id, err)
	}
	rec.Amount = rec.Amount.Round(2)
	return &rec, nil
}

func addIndexes(tx *bbolt.Tx, rec *Record) error {
	if err := tx.Bucket(byTimeBucket).Put(timeKey(rec.TransactionTime, rec.ID), []byte{}); err != nil {
		return err
	}
	return tx.Bucket(byPaymentBucket).Put(paymentKey(rec.PaymentMethod, rec.ID), []byte{})
}

func removeIndexes(tx *bbolt.Tx, rec *Record) error {
	if err := tx.Bucket(byTimeBucket).Delete(timeKey(rec.TransactionTime, rec.ID)); err != nil {
		return err
	}
	return tx.Bucket(byPaymentBucket).Delete(paymentKey(rec.PaymentMethod, rec.ID))
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func idFromKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// timeKey sorts by unix seconds (sign bit flipped so negative values order
// first), then nanoseconds, then id.
func timeKey(t time.Time, id int64) []byte {
	k := make([]byte, timePrefixLen+8)
	binary.BigEndian.PutUint64(k[0:8], uint64(t.Unix())^(1<<63))
	binary.BigEndian.PutUint32(k[8:timePrefixLen], uint32(t.Nanosecond()))
	binary.BigEndian.PutUint64(k[timePrefixLen:], uint64(id))
	return k
}

func paymentKey(method string, id int64) []byte {
	k := make([]byte, 0, len(method)+9)
	k = append(k, method...)
	k = append(k, 0)
	return append(k, idKey(id)...)
}
