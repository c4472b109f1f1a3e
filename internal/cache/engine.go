package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
	"github.com/voxhome/command-resolver/internal/index"
	"github.com/voxhome/command-resolver/internal/observability/metrics"
)

// Miss reasons reported upward in pipeline context.
const (
	MissEmptyIndex      = "empty_index"
	MissEmbedding       = "embedding_unavailable"
	MissBelowThreshold  = "below_threshold"
	MissRerankerRefused = "reranker_refused"
	MissTooShort        = "too_short"
)

type Config struct {
	RerankerThreshold     float64
	VectorSearchTopK      int
	VectorSearchThreshold float64
	CacheMaxEntries       int
	MinLearnWords         int
	CacheOnly             bool
	EmbeddingModel        string
	Metrics               *metrics.Pipeline
}

// Engine wraps the hybrid index with the cache entry lifecycle: lookup
// with reranker validation, learning from verified executions, eviction,
// and snapshot persistence.
type Engine struct {
	idx       *index.HybridIndex
	embedder  ports.Embedder
	reranker  ports.Reranker
	snapshots ports.SnapshotStore
	logger    *slog.Logger
	cfg       Config

	statsMu sync.Mutex
	lookups int
	hits    int
	misses  int
}

func NewEngine(
	idx *index.HybridIndex,
	embedder ports.Embedder,
	reranker ports.Reranker,
	snapshots ports.SnapshotStore,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.RerankerThreshold <= 0 {
		cfg.RerankerThreshold = 0.73
	}
	if cfg.VectorSearchTopK <= 0 {
		cfg.VectorSearchTopK = 10
	}
	if cfg.VectorSearchThreshold <= 0 {
		cfg.VectorSearchThreshold = 0.5
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 10000
	}
	if cfg.MinLearnWords <= 0 {
		cfg.MinLearnWords = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		idx:       idx,
		embedder:  embedder,
		reranker:  reranker,
		snapshots: snapshots,
		logger:    logger,
		cfg:       cfg,
	}
}

// CacheOnly reports whether a miss should escalate straight to the
// conversational fallback, skipping the LLM stage.
func (e *Engine) CacheOnly() bool {
	return e.cfg.CacheOnly
}

// Lookup resolves an utterance against the cache. On a miss the returned
// reason explains why; errors are absorbed into misses so the pipeline can
// escalate instead of failing the turn.
func (e *Engine) Lookup(ctx context.Context, utterance string) (*domain.CacheHit, string) {
	e.countLookup()

	if e.idx.Len() == 0 {
		e.countMiss()
		return nil, MissEmptyIndex
	}

	queryVec, err := e.embedder.EmbedQuery(ctx, utterance)
	if err != nil || len(queryVec) == 0 {
		e.logger.Warn("cache_embedding_failed", "error", err)
		e.countMiss()
		return nil, MissEmbedding
	}

	candidates := e.idx.Search(queryVec, utterance, e.cfg.VectorSearchTopK)
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Score >= e.cfg.VectorSearchThreshold {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		e.countMiss()
		return nil, MissBelowThreshold
	}

	hit := e.validate(ctx, utterance, kept)
	if hit == nil {
		e.countMiss()
		return nil, MissRerankerRefused
	}

	e.idx.RecordHit(hit.Entry.ID)
	e.countHit()
	e.logger.Info("cache_hit",
		"text", truncate(utterance, 60),
		"intent", hit.Entry.Intent,
		"hybrid_score", hit.HybridScore,
		"rerank_score", hit.RerankScore,
		"degraded", hit.Degraded,
	)
	return hit, ""
}

// validate asks the reranker to confirm true relevance, accepting the
// first candidate at or above the threshold. When the reranker is
// unavailable it falls back to the raw hybrid score (degraded mode).
func (e *Engine) validate(ctx context.Context, utterance string, candidates []index.Candidate) *domain.CacheHit {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Entry.CanonicalText
	}

	scores, err := e.reranker.Rerank(ctx, utterance, texts)
	if err != nil || len(scores) != len(candidates) {
		e.logger.Warn("reranker_unavailable_fallback_raw_score", "error", err)
		e.cfg.Metrics.RerankerFallback()
		for _, c := range candidates {
			if c.Score >= e.cfg.RerankerThreshold {
				return &domain.CacheHit{
					Entry:       c.Entry,
					HybridScore: c.Score,
					RerankScore: c.Score,
					Degraded:    true,
				}
			}
		}
		return nil
	}

	for i, c := range candidates {
		if scores[i] >= e.cfg.RerankerThreshold {
			return &domain.CacheHit{
				Entry:       c.Entry,
				HybridScore: c.Score,
				RerankScore: scores[i],
			}
		}
	}
	return nil
}

// Learn inserts a verified command resolution as a learned entry. It must
// only be called for commands the execution verifier confirmed; the
// turn processor and learn-queue consumer enforce that.
func (e *Engine) Learn(ctx context.Context, cmd domain.VerifiedCommand) error {
	text := strings.TrimSpace(cmd.Text)
	if len(strings.Fields(text)) < e.cfg.MinLearnWords {
		e.logger.Debug("learn_skip_short", "text", truncate(text, 40))
		return nil
	}
	if domain.NoCacheIntent(cmd.Intent) {
		e.logger.Debug("learn_skip_intent", "intent", cmd.Intent)
		return nil
	}

	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "learn embedding", err)
	}

	now := time.Now().UTC()
	entry := domain.CacheEntry{
		ID:            uuid.NewString(),
		CanonicalText: text,
		Embedding:     vec,
		Intent:        cmd.Intent,
		EntityIDs:     cmd.EntityIDs,
		Params:        cmd.Params,
		Source:        domain.SourceLearned,
		CreatedAt:     now,
		HitCount:      1,
		LastHit:       now,
	}

	id, created := e.idx.Insert(entry)
	if !created {
		e.logger.Debug("learn_dedup", "existing_id", id)
	} else {
		e.logger.Info("learned", "text", truncate(text, 60), "intent", cmd.Intent)
	}

	if evicted := e.idx.EvictOver(e.cfg.CacheMaxEntries); len(evicted) > 0 {
		e.logger.Info("cache_evicted", "count", len(evicted))
	}
	return e.persist(ctx)
}

func (e *Engine) persist(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	snap := domain.CacheSnapshot{
		Version:        2,
		EmbeddingModel: e.cfg.EmbeddingModel,
		Entries:        e.idx.Entries(),
		SavedAt:        time.Now().UTC(),
	}
	if err := e.snapshots.Save(ctx, snap); err != nil {
		e.logger.Error("cache_snapshot_save_failed", "error", err)
		return err
	}
	return nil
}

// Restore loads the persisted cache, if any. A missing snapshot is not an
// error; the cache simply starts from anchors only.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.snapshots == nil {
		return 0, nil
	}
	snap, err := e.snapshots.Load(ctx)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if snap.EmbeddingModel != "" && snap.EmbeddingModel != e.cfg.EmbeddingModel {
		e.logger.Warn("cache_snapshot_model_mismatch",
			"snapshot", snap.EmbeddingModel,
			"configured", e.cfg.EmbeddingModel,
		)
		return 0, nil
	}
	if err := e.idx.Replace(snap.Entries); err != nil {
		return 0, err
	}
	return len(snap.Entries), nil
}

func (e *Engine) Stats() domain.CacheStats {
	e.statsMu.Lock()
	lookups, hits, misses := e.lookups, e.hits, e.misses
	e.statsMu.Unlock()

	anchors, learned := e.idx.Counts()
	rate := 0.0
	if lookups > 0 {
		rate = float64(hits) / float64(lookups) * 100
	}
	return domain.CacheStats{
		TotalLookups: lookups,
		Hits:         hits,
		Misses:       misses,
		Size:         e.idx.Len(),
		Anchors:      anchors,
		Learned:      learned,
		HitRate:      rate,
		VectorOnly:   e.idx.VectorOnly(),
	}
}

// Clear drops all entries and persists the empty snapshot.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.idx.Replace(nil); err != nil {
		return err
	}
	e.statsMu.Lock()
	e.lookups, e.hits, e.misses = 0, 0, 0
	e.statsMu.Unlock()
	e.logger.Info("cache_cleared")
	return e.persist(ctx)
}

func (e *Engine) countLookup() {
	e.statsMu.Lock()
	e.lookups++
	e.statsMu.Unlock()
}

func (e *Engine) countHit() {
	e.statsMu.Lock()
	e.hits++
	e.statsMu.Unlock()
	e.cfg.Metrics.CacheLookup("hit")
}

func (e *Engine) countMiss() {
	e.statsMu.Lock()
	e.misses++
	e.statsMu.Unlock()
	e.cfg.Metrics.CacheLookup("miss")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
