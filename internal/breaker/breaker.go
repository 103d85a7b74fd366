// Package breaker implements a named circuit-breaker set: CLOSED/OPEN/
// HALF_OPEN gating around calls to flaky collaborators (an agent transport,
// a tool handler, a downstream store).
package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

// State is the closed set of circuit states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config holds the thresholds for one named breaker.
type Config struct {
	FailureThreshold         int
	SuccessThreshold         int
	OpenTimeout              time.Duration
	HalfOpenConcurrencyLimit int

	// OnTransition, when set, is invoked on every state change. It must not
	// block: it runs on the caller's goroutine under the record lock.
	OnTransition func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		SuccessThreshold:         2,
		OpenTimeout:              30 * time.Second,
		HalfOpenConcurrencyLimit: 1,
	}
}

type record struct {
	mu sync.Mutex

	state              State
	consecutiveFail    int
	consecutiveSucceed int
	openedAt           time.Time
	halfOpenInFlight   int
}

// Set owns every named breaker in one process. It is the sole mutator of
// breaker state, matching the actor-owned-state model: callers never touch
// record fields directly.
type Set struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*record
	logger   *slog.Logger
}

func NewSet(cfg Config, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{cfg: cfg, breakers: make(map[string]*record), logger: logger}
}

func (s *Set) get(name string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.breakers[name]
	if !ok {
		r = &record{state: Closed}
		s.breakers[name] = r
	}
	return r
}

// Execute wraps thunk with circuit-breaker admission control for the named
// collaborator. Callers see either thunk's result or a CircuitOpen error;
// the probe/admission mechanics are never visible to them.
func (s *Set) Execute(ctx context.Context, name string, thunk func(context.Context) error) error {
	r := s.get(name)

	r.mu.Lock()
	switch r.state {
	case Open:
		if time.Since(r.openedAt) < s.cfg.OpenTimeout {
			r.mu.Unlock()
			return shared.NewCircuitOpen("breaker.execute", map[string]any{"name": name, "state": string(Open)})
		}
		// Open-timeout elapsed: admit exactly one probe into HALF_OPEN.
		r.state = HalfOpen
		r.consecutiveSucceed = 0
		r.halfOpenInFlight = 1
		s.logger.Info("breaker transition", "name", name, "from", string(Open), "to", string(HalfOpen))
		s.notify(name, Open, HalfOpen)
	case HalfOpen:
		if r.halfOpenInFlight >= s.cfg.HalfOpenConcurrencyLimit {
			r.mu.Unlock()
			return shared.NewCircuitOpen("breaker.execute", map[string]any{"name": name, "state": string(HalfOpen)})
		}
		r.halfOpenInFlight++
	case Closed:
		// fall through to invoke
	}
	r.mu.Unlock()

	err := thunk(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == HalfOpen {
		r.halfOpenInFlight--
	}
	if err != nil {
		s.recordFailureLocked(r, name)
		return err
	}
	s.recordSuccessLocked(r, name)
	return nil
}

func (s *Set) recordFailureLocked(r *record, name string) {
	switch r.state {
	case Closed:
		r.consecutiveFail++
		if r.consecutiveFail >= s.cfg.FailureThreshold {
			r.state = Open
			r.openedAt = time.Now()
			r.consecutiveFail = 0
			s.logger.Warn("breaker opened", "name", name)
			s.notify(name, Closed, Open)
		}
	case HalfOpen:
		r.state = Open
		r.openedAt = time.Now()
		r.consecutiveSucceed = 0
		r.consecutiveFail = 0
		s.logger.Warn("breaker reopened on half-open failure", "name", name)
		s.notify(name, HalfOpen, Open)
	}
}

func (s *Set) notify(name string, from, to State) {
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(name, from, to)
	}
}

func (s *Set) recordSuccessLocked(r *record, name string) {
	switch r.state {
	case Closed:
		r.consecutiveFail = 0
	case HalfOpen:
		r.consecutiveSucceed++
		if r.consecutiveSucceed >= s.cfg.SuccessThreshold {
			r.state = Closed
			r.consecutiveSucceed = 0
			r.consecutiveFail = 0
			s.logger.Info("breaker closed", "name", name)
			s.notify(name, HalfOpen, Closed)
		}
	}
}

// Peek reports the current state of the named breaker without admitting a
// call or mutating half-open in-flight counters. Used by callers that need
// to exclude OPEN collaborators from a candidate set before actually
// invoking Execute.
func (s *Set) Peek(name string) State {
	r := s.get(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Open && time.Since(r.openedAt) >= s.cfg.OpenTimeout {
		return HalfOpen
	}
	return r.state
}

// State returns the current state of the named breaker (CLOSED if unknown).
func (s *Set) State(name string) State {
	r := s.get(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset forces the named breaker to CLOSED.
func (s *Set) Reset(name string) {
	r := s.get(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Closed
	r.consecutiveFail = 0
	r.consecutiveSucceed = 0
	r.halfOpenInFlight = 0
}

// ResetAll forces every known breaker to CLOSED.
func (s *Set) ResetAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		s.Reset(name)
	}
}

// Snapshot returns a diagnostic view of one breaker's state, used by the
// dashboard and the stats CLI surface.
type Snapshot struct {
	Name               string
	State              State
	ConsecutiveFailures int
	OpenedAt           time.Time
}

func (s *Set) Snapshot(name string) Snapshot {
	r := s.get(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Name: name, State: r.state, ConsecutiveFailures: r.consecutiveFail, OpenedAt: r.openedAt}
}

// All returns a snapshot of every known breaker, sorted by name for
// deterministic display.
func (s *Set) All() []Snapshot {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, s.Snapshot(name))
	}
	return out
}

func (s State) String() string { return string(s) }
