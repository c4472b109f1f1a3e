package domain

import "time"

type EntrySource string

const (
	SourceAnchor  EntrySource = "anchor"
	SourceLearned EntrySource = "learned"
)

// CacheEntry is an immutable-after-creation record of a resolved command.
// Hit counters are the only fields mutated after insertion.
type CacheEntry struct {
	ID            string         `json:"id"`
	CanonicalText string         `json:"canonical_text"`
	Embedding     []float32      `json:"embedding"`
	KeywordTokens []string       `json:"keyword_tokens"`
	Intent        string         `json:"intent"`
	EntityIDs     []string       `json:"entity_ids"`
	Params        map[string]any `json:"params"`
	Source        EntrySource    `json:"source"`
	CreatedAt     time.Time      `json:"created_at"`
	HitCount      int            `json:"hit_count"`
	LastHit       time.Time      `json:"last_hit"`
}

// CacheHit is a lookup result accepted by the reranker (or, in degraded
// mode, by the raw hybrid score).
type CacheHit struct {
	Entry       CacheEntry
	HybridScore float64
	RerankScore float64
	Degraded    bool
}

type CacheStats struct {
	TotalLookups int     `json:"total_lookups"`
	Hits         int     `json:"hits"`
	Misses       int     `json:"misses"`
	Size         int     `json:"size"`
	Anchors      int     `json:"anchors"`
	Learned      int     `json:"learned"`
	HitRate      float64 `json:"hit_rate"`
	VectorOnly   bool    `json:"vector_only"`
}

// CacheSnapshot is the on-disk persistence format of the semantic cache.
type CacheSnapshot struct {
	Version        int          `json:"version"`
	EmbeddingModel string       `json:"embedding_model"`
	Entries        []CacheEntry `json:"entries"`
	SavedAt        time.Time    `json:"saved_at"`
}

// VerifiedCommand is the learn-queue payload emitted after the execution
// verifier confirmed the device state change.
type VerifiedCommand struct {
	Text       string         `json:"text"`
	Intent     string         `json:"intent"`
	EntityIDs  []string       `json:"entity_ids"`
	Params     map[string]any `json:"params"`
	ResolvedAt time.Time      `json:"resolved_at"`
}
