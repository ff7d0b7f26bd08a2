package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// scansBucket holds one nested bucket per owner, keyed by record ID
const scansBucket = "scans"

// BoltStore implements the Store interface using BoltDB
type BoltStore struct {
	db          *bbolt.DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewBoltStore creates a new BoltStore with UUID record IDs
func NewBoltStore(path string) (*BoltStore, error) {
	return NewBoltStoreWithDeps(path, &uuidGenerator{}, &defaultTimeSource{})
}

// NewBoltStoreWithDeps creates a new BoltStore with custom dependencies for testing
func NewBoltStoreWithDeps(path string, idGen IDGenerator, timeSrc TimeSource) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(scansBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{
		db:          db,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}, nil
}

// Append saves a new record
func (b *BoltStore) Append(ctx context.Context, ownerID, text string, source Source, imageKey string) (*ScanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrPersistence)
	}
	if _, err := ParseSource(string(source)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	record := &ScanRecord{
		ID:        b.idGenerator.Generate(),
		OwnerID:   ownerID,
		Text:      text,
		Source:    source,
		ImageKey:  imageKey,
		CreatedAt: b.timeSource.Now(),
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		owners := tx.Bucket([]byte(scansBucket))
		bucket, err := owners.CreateBucketIfNotExists([]byte(ownerID))
		if err != nil {
			return fmt.Errorf("creating owner bucket: %w", err)
		}
		if bucket.Get([]byte(record.ID)) != nil {
			return fmt.Errorf("duplicate record id %s", record.ID)
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return bucket.Put([]byte(record.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: saving record: %w", ErrPersistence, err)
	}
	return record, nil
}

// ListActive returns the owner's active records, newest first
func (b *BoltStore) ListActive(ctx context.Context, ownerID string, opts ListOptions) ([]*ScanRecord, error) {
	records := make([]*ScanRecord, 0)
	err := b.forEach(ctx, ownerID, func(r *ScanRecord) {
		if r.Active() && opts.matches(r) {
			records = append(records, r)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing records: %w", ErrPersistence, err)
	}
	sortNewestFirst(records)
	return records, nil
}

// Get retrieves an active record by ID
func (b *BoltStore) Get(ctx context.Context, ownerID, id string) (*ScanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	var record *ScanRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getRecord(tx, ownerID, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading record: %w", ErrPersistence, err)
	}
	return record, nil
}

// SoftDelete sets DeletedAt on an active record
func (b *BoltStore) SoftDelete(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		record, err := getRecord(tx, ownerID, id)
		if err != nil {
			return err
		}
		now := b.timeSource.Now()
		record.DeletedAt = &now

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return tx.Bucket([]byte(scansBucket)).Bucket([]byte(ownerID)).Put([]byte(id), data)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: deleting record: %w", ErrPersistence, err)
	}
	return nil
}

// CountActiveSince counts active records created at or after since
func (b *BoltStore) CountActiveSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	return b.count(ctx, ownerID, since, false)
}

// CountSince counts every record created at or after since
func (b *BoltStore) CountSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	return b.count(ctx, ownerID, since, true)
}

func (b *BoltStore) count(ctx context.Context, ownerID string, since time.Time, includeDeleted bool) (int, error) {
	count := 0
	err := b.forEach(ctx, ownerID, func(r *ScanRecord) {
		if (includeDeleted || r.Active()) && !r.CreatedAt.Before(since) {
			count++
		}
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting records: %w", ErrPersistence, err)
	}
	return count, nil
}

func (b *BoltStore) forEach(ctx context.Context, ownerID string, fn func(*ScanRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scansBucket)).Bucket([]byte(ownerID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var record ScanRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			fn(&record)
			return nil
		})
	})
}

// getRecord loads an active record inside a transaction
func getRecord(tx *bbolt.Tx, ownerID, id string) (*ScanRecord, error) {
	if ownerID == "" || id == "" {
		return nil, ErrNotFound
	}
	bucket := tx.Bucket([]byte(scansBucket)).Bucket([]byte(ownerID))
	if bucket == nil {
		return nil, ErrNotFound
	}
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}

	var record ScanRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	if !record.Active() {
		return nil, ErrNotFound
	}
	return &record, nil
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}
