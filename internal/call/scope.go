// Package call carries the identity, time and memoised reads of one top-level engine call.
package call

import (
	fpmath "TroveLedger/internal/math"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// FeedReading is a raw external price observation captured during a call.
// Recorded readings are written to the command log so replay never touches a live feed.
type FeedReading struct {
	Asset     string        `json:"asset"`
	RoundID   uint64        `json:"round_id"`
	Answer    fpmath.Amount `json:"answer"`
	UpdatedAt time.Time     `json:"updated_at"`
	Err       string        `json:"err,omitempty"`
}

// Scope lives exactly as long as one top-level call. Nothing cached here outlives it.
type Scope struct {
	ID   uuid.UUID
	Time time.Time

	memo     map[string]any
	readings map[string]FeedReading
	replay   map[string]FeedReading
}

func NewScope(id uuid.UUID, now time.Time) *Scope {
	return &Scope{
		ID:       id,
		Time:     now,
		memo:     make(map[string]any),
		readings: make(map[string]FeedReading),
	}
}

// NewReplayScope rebuilds a scope from a command log record.
func NewReplayScope(id uuid.UUID, at time.Time, readings []FeedReading) *Scope {
	s := NewScope(id, at)
	s.replay = make(map[string]FeedReading, len(readings))
	for _, r := range readings {
		s.replay[r.Asset] = r
	}
	return s
}

// Memo returns a value remembered earlier in this call.
func (s *Scope) Memo(key string) (any, bool) {
	v, ok := s.memo[key]
	return v, ok
}

// Remember stores a value for the rest of this call.
func (s *Scope) Remember(key string, v any) {
	s.memo[key] = v
}

// Forget drops a memoised value (used when the underlying state is rolled back).
func (s *Scope) Forget(key string) {
	delete(s.memo, key)
}

// RecordReading stores the raw feed observation for the command log.
func (s *Scope) RecordReading(r FeedReading) {
	s.readings[r.Asset] = r
}

// Reading returns the observation already made for asset during this call.
func (s *Scope) Reading(asset string) (FeedReading, bool) {
	r, ok := s.readings[asset]
	return r, ok
}

// ReplayReading returns a recorded observation when the call is being replayed.
func (s *Scope) ReplayReading(asset string) (FeedReading, bool) {
	if s.replay == nil {
		return FeedReading{}, false
	}
	r, ok := s.replay[asset]
	return r, ok
}

// IsReplay reports whether this scope was rebuilt from the command log.
func (s *Scope) IsReplay() bool {
	return s.replay != nil
}

// Readings returns the observations made during the call, sorted by asset.
func (s *Scope) Readings() []FeedReading {
	out := make([]FeedReading, 0, len(s.readings))
	for _, r := range s.readings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

type scopeKey struct{}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// From returns the scope attached to ctx, or nil outside a top-level call.
func From(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
