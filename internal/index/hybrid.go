package index

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/observability/metrics"
)

const dedupSimilarity = 0.95

// EvictionPolicy ranks learned entries; the lowest value is evicted first.
type EvictionPolicy func(entry domain.CacheEntry, now time.Time) float64

// DefaultEvictionPolicy combines hit count with recency: one hit is worth
// about a day of freshness.
func DefaultEvictionPolicy(entry domain.CacheEntry, now time.Time) float64 {
	ageHours := now.Sub(entry.LastHit).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return float64(entry.HitCount) - ageHours/24.0
}

type Candidate struct {
	Entry domain.CacheEntry
	Score float64
}

type Config struct {
	Alpha     float64
	NgramSize int
	Encoder   KeywordEncoder
	Policy    EvictionPolicy
	Logger    *slog.Logger
	Metrics   *metrics.Pipeline

	// HybridDisabled turns keyword scoring off permanently: every search
	// scores on vectors alone, as if alpha were 1.
	HybridDisabled bool
}

// HybridIndex keeps one canonical entry sequence with a dense vector index
// and a sparse keyword index built over it. Both sub-indexes always have
// the same length as the entry sequence outside a rebuild; readers never
// observe a partially rebuilt state.
type HybridIndex struct {
	mu sync.RWMutex

	alpha     float64
	ngram     int
	enc       KeywordEncoder
	policy    EvictionPolicy
	logger    *slog.Logger
	metrics   *metrics.Pipeline
	hybridOff bool

	entries  []domain.CacheEntry
	vectors  [][]float32
	keywords []SparseVector

	vectorOnly bool
	rebuilds   int
}

func New(cfg Config) *HybridIndex {
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.7
	}
	if cfg.NgramSize <= 0 {
		cfg.NgramSize = 2
	}
	if cfg.Encoder == nil {
		cfg.Encoder = BM25Encoder{}
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultEvictionPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HybridIndex{
		alpha:     cfg.Alpha,
		ngram:     cfg.NgramSize,
		enc:       cfg.Encoder,
		policy:    cfg.Policy,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		hybridOff: cfg.HybridDisabled,
	}
}

func (ix *HybridIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// VectorOnly reports whether keyword scoring has been disabled for the
// session after a failed rebuild.
func (ix *HybridIndex) VectorOnly() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.vectorOnly
}

// Insert appends an entry to all sub-indexes atomically from the caller's
// perspective. A near-duplicate (cosine >= 0.95 against an existing entry)
// bumps that entry's hit count instead; the existing id is returned with
// created=false.
func (ix *HybridIndex) Insert(entry domain.CacheEntry) (id string, created bool) {
	vec := unitNorm(entry.Embedding)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if i := ix.mostSimilarLocked(vec); i >= 0 {
		ix.entries[i].HitCount++
		ix.entries[i].LastHit = time.Now().UTC()
		return ix.entries[i].ID, false
	}

	if len(entry.KeywordTokens) == 0 {
		entry.KeywordTokens = Tokenize(entry.CanonicalText, ix.ngram)
	}
	sparse, err := ix.enc.EncodeDocument(entry.KeywordTokens)
	if err != nil {
		ix.degradeLocked("encode document", err)
		sparse = SparseVector{}
	}

	ix.entries = append(ix.entries, entry)
	ix.vectors = append(ix.vectors, vec)
	ix.keywords = append(ix.keywords, sparse)
	return entry.ID, true
}

func (ix *HybridIndex) mostSimilarLocked(vec []float32) int {
	best := -1
	bestSim := dedupSimilarity
	for i, v := range ix.vectors {
		if sim := dotDense(vec, v); sim >= bestSim {
			best = i
			bestSim = sim
		}
	}
	return best
}

// Search returns the topK entries by combined score, highest first, with
// deterministic tie-break by insertion order. A consistency failure
// triggers a rebuild before the search proceeds.
func (ix *HybridIndex) Search(queryVec []float32, queryText string, topK int) []Candidate {
	ix.ensureConsistent()
	qv := unitNorm(queryVec)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return nil
	}
	if topK <= 0 {
		topK = 10
	}

	useKeywords := !ix.vectorOnly && !ix.hybridOff
	var qs SparseVector
	if useKeywords {
		var err error
		qs, err = ix.enc.EncodeQuery(Tokenize(queryText, ix.ngram))
		if err != nil {
			ix.logger.Warn("keyword_query_encode_failed", "error", err)
			useKeywords = false
		}
	}

	type scored struct {
		pos     int
		vector  float64
		keyword float64
	}
	rows := make([]scored, len(ix.entries))
	maxKeyword := 0.0
	for i := range ix.entries {
		row := scored{pos: i, vector: (dotDense(qv, ix.vectors[i]) + 1) / 2}
		if useKeywords {
			row.keyword = dotSparse(qs, ix.keywords[i])
			if row.keyword > maxKeyword {
				maxKeyword = row.keyword
			}
		}
		rows[i] = row
	}

	alpha := ix.alpha
	if !useKeywords {
		alpha = 1
	}
	out := make([]Candidate, len(rows))
	for i, row := range rows {
		keyword := 0.0
		if maxKeyword > 0 {
			keyword = row.keyword / maxKeyword
		}
		out[i] = Candidate{
			Entry: ix.entries[row.pos],
			Score: alpha*row.vector + (1-alpha)*keyword,
		}
	}

	positions := make(map[string]int, len(out))
	for i := range ix.entries {
		positions[ix.entries[i].ID] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return positions[out[i].Entry.ID] < positions[out[j].Entry.ID]
	})

	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// RecordHit bumps the hit counters of an accepted entry.
func (ix *HybridIndex) RecordHit(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range ix.entries {
		if ix.entries[i].ID == id {
			ix.entries[i].HitCount++
			ix.entries[i].LastHit = time.Now().UTC()
			return
		}
	}
}

// Remove deletes an entry from all sub-indexes.
func (ix *HybridIndex) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range ix.entries {
		if ix.entries[i].ID == id {
			ix.removeAtLocked(i)
			return true
		}
	}
	return false
}

func (ix *HybridIndex) removeAtLocked(i int) {
	ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
	ix.vectors = append(ix.vectors[:i], ix.vectors[i+1:]...)
	ix.keywords = append(ix.keywords[:i], ix.keywords[i+1:]...)
}

// EvictOver removes least-valuable learned entries until at most max
// entries remain. Anchor entries are never evicted; an anchor-only index
// may therefore exceed max.
func (ix *HybridIndex) EvictOver(max int) []string {
	if max <= 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := time.Now().UTC()
	var evicted []string
	for len(ix.entries) > max {
		victim := -1
		victimValue := math.Inf(1)
		for i := range ix.entries {
			if ix.entries[i].Source != domain.SourceLearned {
				continue
			}
			if v := ix.policy(ix.entries[i], now); v < victimValue {
				victim = i
				victimValue = v
			}
		}
		if victim < 0 {
			break
		}
		evicted = append(evicted, ix.entries[victim].ID)
		ix.removeAtLocked(victim)
	}
	return evicted
}

// CheckConsistency reports whether both sub-indexes match the entry
// sequence ("shape mismatch" detection).
func (ix *HybridIndex) CheckConsistency() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.consistentLocked()
}

func (ix *HybridIndex) consistentLocked() bool {
	return len(ix.vectors) == len(ix.entries) && len(ix.keywords) == len(ix.entries)
}

func (ix *HybridIndex) ensureConsistent() {
	ix.mu.RLock()
	ok := ix.consistentLocked()
	ix.mu.RUnlock()
	if ok {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.consistentLocked() {
		return
	}
	ix.logger.Warn("index_shape_mismatch",
		"entries", len(ix.entries),
		"vectors", len(ix.vectors),
		"keywords", len(ix.keywords),
	)
	if err := ix.rebuildLocked(); err != nil {
		ix.degradeLocked("rebuild", err)
	}
}

// Rebuild reconstructs both sub-indexes from the canonical entry sequence.
func (ix *HybridIndex) Rebuild() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.rebuildLocked(); err != nil {
		ix.degradeLocked("rebuild", err)
		return err
	}
	return nil
}

func (ix *HybridIndex) rebuildLocked() error {
	vectors := make([][]float32, len(ix.entries))
	keywords := make([]SparseVector, len(ix.entries))
	for i := range ix.entries {
		vectors[i] = unitNorm(ix.entries[i].Embedding)
		if len(ix.entries[i].KeywordTokens) == 0 {
			ix.entries[i].KeywordTokens = Tokenize(ix.entries[i].CanonicalText, ix.ngram)
		}
		sparse, err := ix.enc.EncodeDocument(ix.entries[i].KeywordTokens)
		if err != nil {
			return fmt.Errorf("rebuild keyword index at %d: %w", i, err)
		}
		keywords[i] = sparse
	}
	ix.vectors = vectors
	ix.keywords = keywords
	ix.rebuilds++
	ix.vectorOnly = false
	ix.metrics.IndexRebuild()
	ix.logger.Info("index_rebuilt", "entries", len(ix.entries))
	return nil
}

func (ix *HybridIndex) degradeLocked(operation string, err error) {
	// Keep the sub-indexes aligned so searches can proceed on vectors.
	if len(ix.keywords) != len(ix.entries) {
		ix.keywords = make([]SparseVector, len(ix.entries))
	}
	if len(ix.vectors) != len(ix.entries) {
		vectors := make([][]float32, len(ix.entries))
		for i := range ix.entries {
			vectors[i] = unitNorm(ix.entries[i].Embedding)
		}
		ix.vectors = vectors
	}
	if !ix.vectorOnly {
		ix.vectorOnly = true
		ix.logger.Warn("index_degraded_vector_only", "operation", operation, "error", err)
	}
}

// Entries returns a copy of the canonical entry sequence.
func (ix *HybridIndex) Entries() []domain.CacheEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]domain.CacheEntry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// Replace swaps in a new entry sequence (snapshot load, regeneration) and
// rebuilds both sub-indexes before any searcher can observe it.
func (ix *HybridIndex) Replace(entries []domain.CacheEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = make([]domain.CacheEntry, len(entries))
	copy(ix.entries, entries)
	if err := ix.rebuildLocked(); err != nil {
		ix.degradeLocked("replace", err)
		return err
	}
	return nil
}

// Counts returns entry totals by source.
func (ix *HybridIndex) Counts() (anchors, learned int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for i := range ix.entries {
		if ix.entries[i].Source == domain.SourceAnchor {
			anchors++
		} else {
			learned++
		}
	}
	return anchors, learned
}

func unitNorm(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dotDense(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
