// Package scheduler implements the work-stealing assignment strategy: it
// scores candidate agents for a task, and periodically rebalances workload
// from overloaded to underloaded agents.
package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/shared"
)

// Weights configures the assignment score.
type Weights struct {
	Capability float64
	Load       float64
	Priority   float64
}

func DefaultWeights() Weights {
	return Weights{Capability: 1.0, Load: 1.0, Priority: 0.1}
}

// Config bundles the tunables the scheduler needs.
type Config struct {
	Weights        Weights
	StealInterval  time.Duration
	StealThreshold float64 // in units of stddev of task-count
	MaxStealBatch  int

	// OnSteal, when set, is invoked after every successful steal. It must
	// not block: it runs on the steal-tick goroutine under the table lock.
	OnSteal func(op StealOp)
}

func DefaultConfig() Config {
	return Config{
		Weights:        DefaultWeights(),
		StealInterval:  5 * time.Second,
		StealThreshold: 1.0,
		MaxStealBatch:  3,
	}
}

// AgentWorkload is the per-agent workload record the scheduler scores
// against. Capabilities and priority are intrinsic to the agent profile;
// TaskCount/AvgTaskDuration are runtime-observed.
type AgentWorkload struct {
	AgentID         string
	Capabilities    map[string]struct{}
	Priority        int
	MaxConcurrent   int
	TaskCount       int
	AvgTaskDuration time.Duration
}

func (w AgentWorkload) load() float64 {
	if w.MaxConcurrent <= 0 {
		return 1
	}
	return float64(w.TaskCount) / float64(w.MaxConcurrent)
}

func capabilityMatch(required map[string]struct{}, have map[string]struct{}) float64 {
	if len(required) == 0 {
		return 1
	}
	matched := 0
	for c := range required {
		if _, ok := have[c]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// StealOp records one rebalancing move for diagnostics and the dashboard.
type StealOp struct {
	ID        string
	TaskID    string
	FromAgent string
	ToAgent   string
	At        time.Time
}

// Reassigner is the narrow callback the scheduler uses to move a task
// between agents without reaching into the Task Engine's data structures —
// it only ever invokes this function, keeping the two decoupled.
type Reassigner interface {
	// Reassign performs the assigned->queued->assigned transition for
	// taskID as a single atomic swap of assigned-agent, preserving the
	// task's id and retry count.
	Reassign(ctx context.Context, taskID, fromAgent, toAgent string) error
}

// Stats is the statistics surface the dashboard and stats CLI consume.
type Stats struct {
	TotalAgents       int
	OverloadedAgents  int
	UnderloadedAgents int
	SuccessfulSteals  int
	AvgTasksPerAgent  float64
	RecentSteals      []StealOp
}

// Scheduler owns the per-agent workload table. It is the sole mutator of
// that table; the Task Engine updates it only by calling back in through
// UpdateWorkload after every change of task ownership.
type Scheduler struct {
	mu          sync.Mutex
	cfg         Config
	logger      *slog.Logger
	agents      map[string]*AgentWorkload
	steals      []StealOp
	totalSteals int // total successful steals, recentSteals is capped separately
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StealInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{cfg: cfg, logger: logger, agents: make(map[string]*AgentWorkload)}
}

// RegisterAgent adds or replaces an agent's static profile.
func (s *Scheduler) RegisterAgent(w AgentWorkload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[w.AgentID] = &w
}

// RemoveAgent drops an agent from consideration (e.g. it went offline).
func (s *Scheduler) RemoveAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}

// UpdateWorkload lets the Task Engine report a fresh task-count/avg-duration
// observation after assignment, completion, or failure.
func (s *Scheduler) UpdateWorkload(agentID string, taskCount int, avgDuration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.agents[agentID]; ok {
		w.TaskCount = taskCount
		w.AvgTaskDuration = avgDuration
	}
}

// Workload returns a copy of the registered profile for agentID, so steal
// candidate selection can check the destination's capabilities without
// reaching into the table.
func (s *Scheduler) Workload(agentID string) (AgentWorkload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.agents[agentID]
	if !ok {
		return AgentWorkload{}, false
	}
	return *w, true
}

// Pick scores every registered agent for the given required capabilities
// and returns the best eligible candidate. Negative-score agents are
// excluded; ties break by lower load then lower id.
func (s *Scheduler) Pick(requiredCapabilities []string, priorityHint int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	required := make(map[string]struct{}, len(requiredCapabilities))
	for _, c := range requiredCapabilities {
		required[c] = struct{}{}
	}

	type scored struct {
		id    string
		score float64
		load  float64
	}
	var candidates []scored
	for id, w := range s.agents {
		if w.TaskCount >= w.MaxConcurrent && w.MaxConcurrent > 0 {
			continue
		}
		cap := capabilityMatch(required, w.Capabilities)
		if len(required) > 0 && cap == 0 {
			continue
		}
		load := w.load()
		score := cap*s.cfg.Weights.Capability - load*s.cfg.Weights.Load + float64(w.Priority)*s.cfg.Weights.Priority
		if score < 0 {
			continue
		}
		candidates = append(candidates, scored{id: id, score: score, load: load})
	}
	if len(candidates) == 0 {
		return "", shared.NewCapacityExceeded("scheduler.pick", map[string]any{"required_capabilities": requiredCapabilities})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].id < candidates[j].id
	})
	return candidates[0].id, nil
}

// Start launches the periodic steal-tick worker. It runs until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context, r Reassigner, pickStealCandidate func(fromAgent, toAgent string, maxBatch int) []string) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx, r, pickStealCandidate)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, r Reassigner, pickStealCandidate func(fromAgent, toAgent string, maxBatch int) []string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StealInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, r, pickStealCandidate)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, r Reassigner, pickStealCandidate func(fromAgent, toAgent string, maxBatch int) []string) {
	overloaded, underloaded, ok := s.imbalance()
	if !ok {
		return
	}
	for _, from := range overloaded {
		for _, to := range underloaded {
			taskIDs := pickStealCandidate(from, to, s.cfg.MaxStealBatch)
			for _, taskID := range taskIDs {
				if err := r.Reassign(ctx, taskID, from, to); err != nil {
					s.logger.Warn("steal reassignment failed", "task_id", taskID, "from", from, "to", to, "error", err)
					continue
				}
				s.recordSteal(taskID, from, to)
			}
		}
	}
}

// imbalance computes mean/stddev of task-count and returns the agents whose
// count exceeds mean+threshold*stddev (overloaded) and mean-threshold*stddev
// (underloaded).
func (s *Scheduler) imbalance() (overloaded, underloaded []string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.agents) < 2 {
		return nil, nil, false
	}
	var counts []float64
	for _, w := range s.agents {
		counts = append(counts, float64(w.TaskCount))
	}
	mean := meanOf(counts)
	stddev := stddevOf(counts, mean)
	if stddev == 0 {
		return nil, nil, false
	}
	for id, w := range s.agents {
		c := float64(w.TaskCount)
		if c > mean+s.cfg.StealThreshold*stddev {
			overloaded = append(overloaded, id)
		} else if c < mean-s.cfg.StealThreshold*stddev {
			underloaded = append(underloaded, id)
		}
	}
	sort.Strings(overloaded)
	sort.Strings(underloaded)
	return overloaded, underloaded, len(overloaded) > 0 && len(underloaded) > 0
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddevOf(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func (s *Scheduler) recordSteal(taskID, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := StealOp{ID: uuid.NewString(), TaskID: taskID, FromAgent: from, ToAgent: to, At: time.Now()}
	s.steals = append(s.steals, op)
	if len(s.steals) > 50 {
		s.steals = s.steals[len(s.steals)-50:]
	}
	s.totalSteals++
	s.logger.Info("steal completed", "task_id", taskID, "from", from, "to", to)
	if s.cfg.OnSteal != nil {
		s.cfg.OnSteal(op)
	}
}

// Stats returns a point-in-time statistics snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	overloaded, underloaded := 0, 0
	var counts []float64
	for _, w := range s.agents {
		counts = append(counts, float64(w.TaskCount))
	}
	mean := meanOf(counts)
	stddev := stddevOf(counts, mean)
	if stddev > 0 {
		for _, w := range s.agents {
			c := float64(w.TaskCount)
			if c > mean+s.cfg.StealThreshold*stddev {
				overloaded++
			} else if c < mean-s.cfg.StealThreshold*stddev {
				underloaded++
			}
		}
	}
	return Stats{
		TotalAgents:       len(s.agents),
		OverloadedAgents:  overloaded,
		UnderloadedAgents: underloaded,
		SuccessfulSteals:  s.totalSteals,
		AvgTasksPerAgent:  mean,
		RecentSteals:      append([]StealOp(nil), s.steals...),
	}
}

// NullScheduler satisfies the Reassigner-adjacent surface tests need without
// a production Task Engine wired in. It is never constructed by production
// wiring; see internal/orchestrator for the production composition root.
type NullScheduler struct{}

func (NullScheduler) Reassign(context.Context, string, string, string) error { return nil }
