package memory

import "strings"

// KnowledgeIndex aggregates knowledge-typed entries by domain (the entry's
// tags double as its declared expertise: a "knowledge base whose
// expertise intersects the entry's tags"). It is owned exclusively by
// Store, which holds the lock around every call.
type KnowledgeIndex struct {
	byDomain map[string][]Entry // domain (tag) -> entries tagged with it
}

func newKnowledgeIndex() *KnowledgeIndex {
	return &KnowledgeIndex{byDomain: make(map[string][]Entry)}
}

// Index cross-indexes a knowledge entry into every domain named by its
// tags.
func (k *KnowledgeIndex) Index(e Entry) {
	for _, tag := range e.Tags {
		k.byDomain[tag] = append(k.byDomain[tag], e)
	}
}

const maxKnowledgeResults = 50

// Search performs a substring match over entry content, optionally scoped
// to a domain and/or expertise tag, capped at 50 results.
func (k *KnowledgeIndex) Search(query, domain, expertise string) []Entry {
	query = strings.ToLower(query)

	var candidates []Entry
	switch {
	case domain != "":
		candidates = k.byDomain[domain]
	case expertise != "":
		candidates = k.byDomain[expertise]
	default:
		seen := make(map[string]bool)
		for _, entries := range k.byDomain {
			for _, e := range entries {
				if !seen[e.ID] {
					seen[e.ID] = true
					candidates = append(candidates, e)
				}
			}
		}
	}

	if domain != "" && expertise != "" {
		filtered := candidates[:0]
		for _, e := range candidates {
			if e.hasTag(expertise) {
				filtered = append(filtered, e)
			}
		}
		candidates = filtered
	}

	var out []Entry
	for _, e := range candidates {
		if query == "" || strings.Contains(strings.ToLower(e.Content), query) {
			out = append(out, e)
			if len(out) >= maxKnowledgeResults {
				break
			}
		}
	}
	return out
}
