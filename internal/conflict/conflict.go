// Package conflict arbitrates simultaneous claims on a resource or task
// assignment: score the claimants under a named strategy, break ties
// deterministically, notify the losers.
package conflict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/shared"
)

// Kind distinguishes what a conflict is about.
type Kind string

const (
	KindResource Kind = "resource"
	KindTask     Kind = "task"
)

// Strategy is a named resolution policy.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyTimestamp  Strategy = "timestamp"
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyVoting     Strategy = "voting"
)

// Claimant is one party contending for a resource or task.
type Claimant struct {
	AgentID   string
	Priority  int
	Timestamp time.Time
	Votes     int // observer votes, used only by StrategyVoting
}

// Conflict is the record created when two or more claims target the same
// target id.
type Conflict struct {
	ID        string
	Kind      Kind
	TargetID  string
	Claimants []Claimant
	CreatedAt time.Time
	Resolved  bool
	Winner    string
}

// Resolver owns the conflict registry. Like the other coordination
// components it is the sole mutator of its state; callers never reach into
// the registry directly.
type Resolver struct {
	mu        sync.Mutex
	conflicts map[string]*Conflict
	retention time.Duration
	rrCursor  int
	seedFunc  func(string) float64 // deterministic pseudo-random, overridable in tests
}

func New(retention time.Duration) *Resolver {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Resolver{
		conflicts: make(map[string]*Conflict),
		retention: retention,
		seedFunc:  deterministicUnitInterval,
	}
}

// Open records a new conflict and returns its id.
func (r *Resolver) Open(kind Kind, targetID string, claimants []Claimant) (string, error) {
	if len(claimants) < 2 {
		return "", shared.NewInvalidInput("conflict.open", fmt.Errorf("at least two claimants required"), map[string]any{"target_id": targetID})
	}
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[id] = &Conflict{
		ID:        id,
		Kind:      kind,
		TargetID:  targetID,
		Claimants: append([]Claimant(nil), claimants...),
		CreatedAt: time.Now(),
	}
	return id, nil
}

// Resolve picks a winner using the named strategy. Losers are reported in
// the returned slice so the caller can notify them of rejection.
func (r *Resolver) Resolve(id string, strategy Strategy) (winner string, losers []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[id]
	if !ok {
		return "", nil, shared.NewNotFound("conflict.resolve", fmt.Errorf("unknown conflict %s", id), map[string]any{"conflict_id": id})
	}
	if c.Resolved {
		return c.Winner, nil, shared.NewConflictState("conflict.resolve", fmt.Errorf("conflict %s already resolved", id), map[string]any{"conflict_id": id})
	}

	claimants := append([]Claimant(nil), c.Claimants...)
	switch strategy {
	case StrategyPriority:
		sort.SliceStable(claimants, func(i, j int) bool {
			if claimants[i].Priority != claimants[j].Priority {
				return claimants[i].Priority > claimants[j].Priority
			}
			return claimants[i].Timestamp.Before(claimants[j].Timestamp)
		})
	case StrategyTimestamp:
		sort.SliceStable(claimants, func(i, j int) bool {
			if !claimants[i].Timestamp.Equal(claimants[j].Timestamp) {
				return claimants[i].Timestamp.Before(claimants[j].Timestamp)
			}
			return claimants[i].AgentID < claimants[j].AgentID
		})
	case StrategyRandom:
		sort.SliceStable(claimants, func(i, j int) bool {
			return r.seedFunc(id+claimants[i].AgentID) < r.seedFunc(id+claimants[j].AgentID)
		})
	case StrategyRoundRobin:
		r.rrCursor = (r.rrCursor + 1) % len(claimants)
		idx := r.rrCursor
		claimants = append(claimants[idx:], claimants[:idx]...)
	case StrategyVoting:
		sort.SliceStable(claimants, func(i, j int) bool {
			if claimants[i].Votes != claimants[j].Votes {
				return claimants[i].Votes > claimants[j].Votes
			}
			return claimants[i].Timestamp.Before(claimants[j].Timestamp)
		})
	default:
		return "", nil, shared.NewInvalidInput("conflict.resolve", fmt.Errorf("unknown strategy %q", strategy), nil)
	}

	c.Winner = claimants[0].AgentID
	c.Resolved = true
	for _, cl := range claimants[1:] {
		losers = append(losers, cl.AgentID)
	}
	return c.Winner, losers, nil
}

// GC removes resolved or stale unresolved conflicts older than the
// configured retention window.
func (r *Resolver) GC(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, c := range r.conflicts {
		if now.Sub(c.CreatedAt) > r.retention {
			delete(r.conflicts, id)
			removed++
		}
	}
	return removed
}

func (r *Resolver) Get(id string) (Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return Conflict{}, false
	}
	return *c, true
}

// deterministicUnitInterval gives a stable pseudo-random value in [0,1) for
// a seed string, avoiding a nondeterministic math/rand dependency on the
// "random" strategy's test surface.
func deterministicUnitInterval(seed string) float64 {
	var h uint32 = 2166136261
	for i := 0; i < len(seed); i++ {
		h ^= uint32(seed[i])
		h *= 16777619
	}
	return float64(h%10000) / 10000.0
}
