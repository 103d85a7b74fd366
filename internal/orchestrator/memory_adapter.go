package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/basket/agentcore/internal/memory"
	"github.com/basket/agentcore/internal/persistence"
)

// memoryPersister adapts *persistence.Store to memory.Persister, so C7's
// Store durably round-trips entries through the same SQLite database as
// tasks and messages.
type memoryPersister struct {
	ctx context.Context
	db  *persistence.Store
}

func newMemoryPersister(db *persistence.Store) *memoryPersister {
	return &memoryPersister{ctx: context.Background(), db: db}
}

func (p *memoryPersister) Save(e memory.Entry) error {
	var provenance []byte
	if e.Provenance != nil {
		b, err := json.Marshal(e.Provenance)
		if err != nil {
			return err
		}
		provenance = b
	}
	return p.db.SaveMemoryEntry(p.ctx, persistence.MemoryEntryRecord{
		ID: e.ID, Agent: e.OwningAgent, Type: string(e.Type), Content: e.Content,
		Tags: e.Tags, Priority: e.Priority, ShareLevel: string(e.ShareLevel),
		Provenance: provenance, CreatedAt: e.Timestamp,
	})
}

func (p *memoryPersister) Delete(id string) error {
	return p.db.DeleteMemoryEntry(p.ctx, id)
}

// loadMemory rebuilds a fresh memory.Store from whatever was durably
// saved, for startup recovery. Entries are
// re-remembered rather than restored verbatim, so ids and provenance links
// are not preserved across a restart; acceptable for a knowledge base whose
// content, not its identifiers, is what downstream agents depend on.
func loadMemory(ctx context.Context, db *persistence.Store, cfg memory.Config) (*memory.Store, error) {
	store := memory.New(cfg, newMemoryPersister(db))
	recs, err := db.LoadMemoryEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		var meta map[string]any
		_, err := store.Remember(rec.Agent, memory.EntryType(rec.Type), rec.Content, rec.Tags, rec.Priority, memory.ShareLevel(rec.ShareLevel), meta)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}
