package history

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist, is already
	// deleted, or belongs to another owner
	ErrNotFound = errors.New("scan record not found")

	// ErrPersistence wraps storage-side failures
	ErrPersistence = errors.New("persistence error")
)

// Store defines the interface for scan history operations
type Store interface {
	// Append creates a record. It is only called after a successful recognition.
	Append(ctx context.Context, ownerID, text string, source Source, imageKey string) (*ScanRecord, error)

	// ListActive returns the owner's records that are not soft-deleted, newest first
	ListActive(ctx context.Context, ownerID string, opts ListOptions) ([]*ScanRecord, error)

	// Get returns one active record
	Get(ctx context.Context, ownerID, id string) (*ScanRecord, error)

	// SoftDelete hides a record. Deleting twice returns ErrNotFound.
	SoftDelete(ctx context.Context, ownerID, id string) error

	// CountActiveSince counts active records created at or after since
	CountActiveSince(ctx context.Context, ownerID string, since time.Time) (int, error)

	// CountSince counts all records created at or after since, deleted or not
	CountSince(ctx context.Context, ownerID string, since time.Time) (int, error)

	// Close closes the store
	Close() error
}

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time in UTC
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// sortNewestFirst orders records by creation time, newest first
func sortNewestFirst(records []*ScanRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
