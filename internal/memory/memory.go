// Package memory implements the coordination-aware shared memory and
// knowledge base: tagged, typed entries owned by an agent, cross-agent
// sharing with provenance, and domain-scoped knowledge-base indexing.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/shared"
)

// EntryType is the closed set of memory entry kinds.
type EntryType string

const (
	TypeKnowledge     EntryType = "knowledge"
	TypeResult        EntryType = "result"
	TypeState         EntryType = "state"
	TypeCommunication EntryType = "communication"
	TypeError         EntryType = "error"
)

// ShareLevel controls whether an entry may be read, shared, or broadcast.
type ShareLevel string

const (
	SharePrivate ShareLevel = "private"
	ShareTeam    ShareLevel = "team"
	SharePublic  ShareLevel = "public"
)

// Provenance links a derived (shared/broadcast) entry back to its origin.
type Provenance struct {
	OriginalID string
	SharedFrom string
	SharedTo   string
	SharedAt   time.Time
}

// Entry is one memory record.
type Entry struct {
	ID          string
	OwningAgent string
	Type        EntryType
	Content     string
	Tags        []string
	Metadata    map[string]any
	Timestamp   time.Time
	Priority    int
	ShareLevel  ShareLevel
	Provenance  *Provenance
	TaskID      string
	Objective   string
}

func (e Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Persister is the optional durability hook; a nil Persister keeps
// entries in-memory only, which is sufficient for tests.
type Persister interface {
	Save(Entry) error
	Delete(id string) error
}

// Config bundles store-wide tunables.
type Config struct {
	MaxEntries          int
	KnowledgeBaseDomain func(tags []string) []string // not consulted by the Store; knowledge entries are indexed under their own tags
}

func DefaultConfig() Config {
	return Config{MaxEntries: 10000}
}

// Store is the actor-style owner of every memory entry: all mutation is
// serialized through its mutex, mirroring the Task Engine and Bus's "sole
// mutator" discipline.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	logger  interface{ Info(string, ...any) }
	persist Persister

	entries   map[string]*Entry
	order     []string // insertion order, oldest first, for eviction
	byAgent   map[string][]string
	knowledge *KnowledgeIndex
}

func New(cfg Config, persist Persister) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &Store{
		cfg:       cfg,
		persist:   persist,
		entries:   make(map[string]*Entry),
		byAgent:   make(map[string][]string),
		knowledge: newKnowledgeIndex(),
	}
}

// Remember stores a new entry. If type=knowledge, it is
// cross-indexed into every knowledge base whose expertise intersects the
// entry's tags.
func (s *Store) Remember(agent string, etype EntryType, content string, tags []string, priority int, shareLevel ShareLevel, metadata map[string]any) (Entry, error) {
	if agent == "" {
		return Entry{}, shared.NewInvalidInput("memory.remember", fmt.Errorf("agent required"), nil)
	}
	if shareLevel == "" {
		shareLevel = SharePrivate
	}

	e := Entry{
		ID: uuid.NewString(), OwningAgent: agent, Type: etype, Content: content,
		Tags: append([]string(nil), tags...), Metadata: metadata, Timestamp: time.Now(),
		Priority: priority, ShareLevel: shareLevel,
	}

	s.mu.Lock()
	s.insertLocked(&e)
	if etype == TypeKnowledge {
		s.knowledge.Index(e)
	}
	s.evictLocked()
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(e); err != nil {
			return e, shared.NewInternal("memory.remember", err, map[string]any{"entry_id": e.ID})
		}
	}
	return e, nil
}

func (s *Store) insertLocked(e *Entry) {
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	s.byAgent[e.OwningAgent] = append(s.byAgent[e.OwningAgent], e.ID)
}

// evictLocked discards the oldest entries across all agents once the total
// exceeds cfg.MaxEntries, keeping per-agent
// indexes consistent. Caller holds s.mu.
func (s *Store) evictLocked() {
	for len(s.order) > s.cfg.MaxEntries {
		oldestID := s.order[0]
		s.order = s.order[1:]
		e, ok := s.entries[oldestID]
		if !ok {
			continue
		}
		delete(s.entries, oldestID)
		s.byAgent[e.OwningAgent] = removeID(s.byAgent[e.OwningAgent], oldestID)
		if s.persist != nil {
			_ = s.persist.Delete(oldestID)
		}
	}
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Query filters Recall results.
type Query struct {
	Agent       string
	Type        EntryType
	TaskID      string
	Objective   string
	Tags        []string
	Since       time.Time
	Before      time.Time
	ShareLevel  ShareLevel
	RequesterID string // used to enforce the private-entry read restriction
	Limit       int
}

// Recall filters entries and returns them newest-first, limit applied
// last.
func (s *Store) Recall(q Query) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, id := range s.order {
		e := s.entries[id]
		if e == nil {
			continue
		}
		if e.ShareLevel == SharePrivate && q.RequesterID != "" && e.OwningAgent != q.RequesterID {
			continue // a private entry may be read only by its owner
		}
		if q.Agent != "" && e.OwningAgent != q.Agent {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.TaskID != "" && e.TaskID != q.TaskID {
			continue
		}
		if q.Objective != "" && e.Objective != q.Objective {
			continue
		}
		if q.ShareLevel != "" && e.ShareLevel != q.ShareLevel {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Before.IsZero() && e.Timestamp.After(q.Before) {
			continue
		}
		if len(q.Tags) > 0 && !hasAnyTag(*e, q.Tags) {
			continue
		}
		out = append(out, *e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func hasAnyTag(e Entry, tags []string) bool {
	for _, t := range tags {
		if e.hasTag(t) {
			return true
		}
	}
	return false
}

// Share duplicates an entry under targetAgent with provenance pointing at
// the original. Private entries may never be shared.
func (s *Store) Share(entryID, targetAgent string) (Entry, error) {
	s.mu.Lock()
	orig, ok := s.entries[entryID]
	if !ok {
		s.mu.Unlock()
		return Entry{}, shared.NewNotFound("memory.share", fmt.Errorf("unknown entry %s", entryID), map[string]any{"entry_id": entryID})
	}
	if orig.ShareLevel == SharePrivate {
		s.mu.Unlock()
		return Entry{}, shared.NewConflictState("memory.share", fmt.Errorf("entry %s is private", entryID), map[string]any{"entry_id": entryID})
	}

	derived := *orig
	derived.ID = uuid.NewString()
	derived.OwningAgent = targetAgent
	derived.Timestamp = time.Now()
	originalID := entryID
	if orig.Provenance != nil {
		originalID = orig.Provenance.OriginalID
	}
	derived.Provenance = &Provenance{OriginalID: originalID, SharedFrom: orig.OwningAgent, SharedTo: targetAgent, SharedAt: derived.Timestamp}

	s.insertLocked(&derived)
	s.evictLocked()
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(derived); err != nil {
			return derived, shared.NewInternal("memory.share", err, map[string]any{"entry_id": derived.ID})
		}
	}
	return derived, nil
}

// BroadcastResult reports the per-target outcome of a broadcast.
type BroadcastResult struct {
	Target string
	Err    error
}

// Broadcast shares entryID to each target agent; a failure for one target
// is logged (returned in the result slice) but never stops the remaining
// broadcasts.
func (s *Store) Broadcast(entryID string, targets []string) []BroadcastResult {
	results := make([]BroadcastResult, 0, len(targets))
	for _, t := range targets {
		_, err := s.Share(entryID, t)
		results = append(results, BroadcastResult{Target: t, Err: err})
	}
	return results
}

// Len reports the current total entry count, exported for tests asserting
// the eviction invariant.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SearchKnowledge performs a substring search over knowledge-base entries,
// limited to 50 results.
func (s *Store) SearchKnowledge(query string, domain, expertise string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knowledge.Search(query, domain, expertise)
}
