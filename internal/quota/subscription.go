package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Subscription is an owner's paid plan as reported by the billing side
type Subscription struct {
	OwnerID     string     `json:"owner_id"`
	Plan        string     `json:"plan"`
	Status      string     `json:"status"`
	Limit       int        `json:"scan_limit"`
	PeriodStart time.Time  `json:"period_start"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the subscription grants a quota at t
func (s *Subscription) ActiveAt(t time.Time) bool {
	if s.Status != "" && s.Status != "active" {
		return false
	}
	if s.PeriodStart.After(t) {
		return false
	}
	return s.ExpiresAt == nil || t.Before(*s.ExpiresAt)
}

// Subscriptions resolves an owner's active subscription.
// A nil subscription with a nil error means the owner has no paid plan.
type Subscriptions interface {
	Active(ctx context.Context, ownerID string) (*Subscription, error)
}

// StaticSubscriptions is an in-memory Subscriptions table
type StaticSubscriptions struct {
	mu         sync.RWMutex
	byOwner    map[string]*Subscription
	timeSource TimeSource
}

// NewStaticSubscriptions creates a table holding subs
func NewStaticSubscriptions(subs ...*Subscription) *StaticSubscriptions {
	return NewStaticSubscriptionsWithDeps(&defaultTimeSource{}, subs...)
}

// NewStaticSubscriptionsWithDeps creates a table with a custom time source for testing
func NewStaticSubscriptionsWithDeps(timeSrc TimeSource, subs ...*Subscription) *StaticSubscriptions {
	s := &StaticSubscriptions{
		byOwner:    make(map[string]*Subscription),
		timeSource: timeSrc,
	}
	for _, sub := range subs {
		s.Put(sub)
	}
	return s
}

// LoadSubscriptions reads a JSON array of subscriptions from path
func LoadSubscriptions(path string) (*StaticSubscriptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading subscriptions file: %w", err)
	}

	var subs []*Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("parsing subscriptions file: %w", err)
	}
	for _, sub := range subs {
		if sub.OwnerID == "" {
			return nil, fmt.Errorf("subscription without owner_id in %s", path)
		}
		if sub.Limit < 0 {
			return nil, fmt.Errorf("subscription for %s has a negative scan_limit", sub.OwnerID)
		}
	}
	return NewStaticSubscriptions(subs...), nil
}

// Put adds or replaces an owner's subscription
func (s *StaticSubscriptions) Put(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byOwner[sub.OwnerID] = sub
}

// Len returns the number of subscriptions in the table
func (s *StaticSubscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byOwner)
}

// Active returns the owner's subscription if it is active now
func (s *StaticSubscriptions) Active(ctx context.Context, ownerID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	sub, ok := s.byOwner[ownerID]
	s.mu.RUnlock()
	if !ok || !sub.ActiveAt(s.timeSource.Now()) {
		return nil, nil
	}
	copied := *sub
	return &copied, nil
}
