package history

import (
	"fmt"
	"strings"
	"time"
)

// Source is where the scanned image came from
type Source string

const (
	SourceCamera Source = "camera"
	SourceImage  Source = "image"
)

// ParseSource validates a source name
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceCamera, SourceImage:
		return Source(s), nil
	}
	return "", fmt.Errorf("invalid scan source %q", s)
}

// ScanRecord is the persisted result of one successful scan attempt.
// Only DeletedAt ever changes after creation, and only once.
type ScanRecord struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Text      string     `json:"text"`
	Source    Source     `json:"source"`
	ImageKey  string     `json:"image_key,omitempty"` // Archive key of the source image, if kept
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the record is visible to its owner
func (r *ScanRecord) Active() bool {
	return r.DeletedAt == nil
}

// ListOptions filters ListActive results
type ListOptions struct {
	// Query keeps only records whose text contains it, ignoring case
	Query string
}

func (o ListOptions) matches(r *ScanRecord) bool {
	q := strings.TrimSpace(o.Query)
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Text), strings.ToLower(q))
}
