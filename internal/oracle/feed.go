package oracle

import (
	fpmath "TroveLedger/internal/math"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var ErrNoRound = errors.New("oracle: feed has no round yet")

// Round is one answer published by a feed, in the feed's own decimals.
type Round struct {
	RoundID   uint64        `json:"round_id"`
	Answer    fpmath.Amount `json:"answer"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Feed is an external price source.
type Feed interface {
	LatestRound(ctx context.Context) (Round, error)
	Decimals() uint8
	Description() string
}

// PushFeed holds the latest round pushed by an upstream publisher (NATS).
// Safe for concurrent use; rounds with a lower or equal id are ignored.
type PushFeed struct {
	name     string
	decimals uint8

	mu    sync.RWMutex
	round Round
	has   bool
}

func NewPushFeed(name string, decimals uint8) *PushFeed {
	return &PushFeed{name: name, decimals: decimals}
}

// Push stores r if it is newer than the held round. Reports whether it was accepted.
func (f *PushFeed) Push(r Round) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.has && r.RoundID <= f.round.RoundID {
		return false
	}
	f.round = r
	f.has = true
	return true
}

func (f *PushFeed) LatestRound(ctx context.Context) (Round, error) {
	if err := ctx.Err(); err != nil {
		return Round{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.has {
		return Round{}, fmt.Errorf("%s: %w", f.name, ErrNoRound)
	}
	return f.round, nil
}

func (f *PushFeed) Decimals() uint8     { return f.decimals }
func (f *PushFeed) Description() string { return f.name }

// StaticFeed returns a fixed round. Used for bootstrap prices and tests.
type StaticFeed struct {
	name     string
	decimals uint8

	mu    sync.Mutex
	round Round
	err   error
	calls atomic.Int64
}

func NewStaticFeed(name string, decimals uint8, answer fpmath.Amount, updatedAt time.Time) *StaticFeed {
	return &StaticFeed{
		name:     name,
		decimals: decimals,
		round:    Round{RoundID: 1, Answer: answer, UpdatedAt: updatedAt},
	}
}

// Set publishes a new answer under the next round id.
func (f *StaticFeed) Set(answer fpmath.Amount, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round = Round{RoundID: f.round.RoundID + 1, Answer: answer, UpdatedAt: updatedAt}
	f.err = nil
}

// Fail makes every LatestRound call return err until the next Set.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times LatestRound was invoked.
func (f *StaticFeed) Calls() int64 {
	return f.calls.Load()
}

func (f *StaticFeed) LatestRound(ctx context.Context) (Round, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Round{}, f.err
	}
	return f.round, nil
}

func (f *StaticFeed) Decimals() uint8     { return f.decimals }
func (f *StaticFeed) Description() string { return f.name }

// FeedRegistry maps feed names to live feeds so restored state can rebind them.
type FeedRegistry struct {
	mu    sync.RWMutex
	feeds map[string]Feed
}

func NewFeedRegistry() *FeedRegistry {
	return &FeedRegistry{feeds: make(map[string]Feed)}
}

func (r *FeedRegistry) Add(f Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[f.Description()] = f
}

func (r *FeedRegistry) Lookup(name string) (Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[name]
	return f, ok
}

// PushFeed returns the named feed when it accepts pushed rounds.
func (r *FeedRegistry) PushFeed(name string) (*PushFeed, bool) {
	f, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	pf, ok := f.(*PushFeed)
	return pf, ok
}

func (r *FeedRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.feeds))
	for n := range r.feeds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
