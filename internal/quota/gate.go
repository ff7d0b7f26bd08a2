package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnauthenticated is returned when no owner is resolved
var ErrUnauthenticated = errors.New("unauthenticated")

// FreePlan names the default tier used without an active subscription
const FreePlan = "free"

// Decision is the outcome of an authorization
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Policy decides whether soft-deleted records count toward usage
type Policy string

const (
	// PolicyActiveOnly counts only active records, so deleting history frees quota
	PolicyActiveOnly Policy = "active-only"
	// PolicyIncludeDeleted counts every record created in the period
	PolicyIncludeDeleted Policy = "include-deleted"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyActiveOnly, PolicyIncludeDeleted:
		return Policy(s), nil
	}
	return "", fmt.Errorf("invalid quota policy %q (want active-only or include-deleted)", s)
}

// FreeTier is the quota granted without a paid plan. Limit must be positive.
type FreeTier struct {
	Limit  int
	Period Period
}

// DefaultFreeTier allows 10 scans per calendar month
var DefaultFreeTier = FreeTier{Limit: 10, Period: PeriodMonth}

// Usage counts an owner's scans
type Usage interface {
	CountActiveSince(ctx context.Context, ownerID string, since time.Time) (int, error)
	CountSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// State is the quota for the current period. It is derived on demand and never stored.
type State struct {
	Plan        string    `json:"plan"`
	Limit       int       `json:"limit"`
	PeriodStart time.Time `json:"period_start"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
}

// Exhausted reports whether no scans are left
func (s State) Exhausted() bool {
	return s.Limit-s.Used <= 0
}

// WithUsed returns a copy of s with a different usage count
func (s State) WithUsed(used int) State {
	s.Used = used
	s.Remaining = max(s.Limit-used, 0)
	return s
}

// Gate authorizes scan attempts against the owner's quota
type Gate struct {
	subscriptions Subscriptions
	usage         Usage
	free          FreeTier
	policy        Policy
	timeSource    TimeSource
}

// NewGate creates a new Gate
func NewGate(subscriptions Subscriptions, usage Usage, free FreeTier, policy Policy) *Gate {
	return NewGateWithDeps(subscriptions, usage, free, policy, &defaultTimeSource{})
}

// NewGateWithDeps creates a new Gate with a custom time source for testing
func NewGateWithDeps(subscriptions Subscriptions, usage Usage, free FreeTier, policy Policy, timeSrc TimeSource) *Gate {
	if free.Limit <= 0 {
		free.Limit = DefaultFreeTier.Limit
	}
	if free.Period == "" {
		free.Period = DefaultFreeTier.Period
	}
	if policy == "" {
		policy = PolicyActiveOnly
	}
	return &Gate{
		subscriptions: subscriptions,
		usage:         usage,
		free:          free,
		policy:        policy,
		timeSource:    timeSrc,
	}
}

// State computes the owner's quota for the current period
func (g *Gate) State(ctx context.Context, ownerID string) (State, error) {
	if ownerID == "" {
		return State{}, ErrUnauthenticated
	}

	now := g.timeSource.Now()
	state := State{
		Plan:        FreePlan,
		Limit:       g.free.Limit,
		PeriodStart: g.free.Period.Start(now),
	}

	sub, err := g.subscriptions.Active(ctx, ownerID)
	if err != nil {
		return State{}, fmt.Errorf("reading subscription: %w", err)
	}
	if sub != nil {
		state.Plan = sub.Plan
		state.Limit = sub.Limit
		state.PeriodStart = sub.PeriodStart.UTC()
	}

	var used int
	switch g.policy {
	case PolicyIncludeDeleted:
		used, err = g.usage.CountSince(ctx, ownerID, state.PeriodStart)
	default:
		used, err = g.usage.CountActiveSince(ctx, ownerID, state.PeriodStart)
	}
	if err != nil {
		return State{}, fmt.Errorf("counting usage: %w", err)
	}

	return state.WithUsed(used), nil
}

// Authorize decides whether the owner may start a scan now. It reads fresh
// usage on every call and has no side effects.
func (g *Gate) Authorize(ctx context.Context, ownerID string) (Decision, State, error) {
	state, err := g.State(ctx, ownerID)
	if err != nil {
		return Denied, State{}, err
	}
	if state.Exhausted() {
		return Denied, state, nil
	}
	return Allowed, state, nil
}
