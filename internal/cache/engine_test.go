package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/index"
	"github.com/voxhome/command-resolver/internal/observability/metrics"
)

// stubEmbedder maps known texts to fixed vectors; unknown texts embed to a
// far-away direction so they never hit by accident.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = s.vector(text)
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vector(text), nil
}

func (s *stubEmbedder) vector(text string) []float32 {
	if v, ok := s.vectors[text]; ok {
		return v
	}
	return []float32{0, 0, 0, 1}
}

type stubReranker struct {
	score float64
	err   error
	calls int
}

func (s *stubReranker) Rerank(_ context.Context, _ string, candidates []string) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float64, len(candidates))
	for i := range out {
		out[i] = s.score
	}
	return out, nil
}

func newTestEngine(t *testing.T, emb *stubEmbedder, rer *stubReranker) *Engine {
	t.Helper()
	ix := index.New(index.Config{Alpha: 0.7, NgramSize: 2})
	snap := NewFileSnapshotStore(filepath.Join(t.TempDir(), "cache.json"))
	return NewEngine(ix, emb, rer, snap, Config{
		RerankerThreshold:     0.73,
		VectorSearchTopK:      10,
		VectorSearchThreshold: 0.5,
		CacheMaxEntries:       100,
		EmbeddingModel:        "test-embed",
	}, nil)
}

func seedEntry(t *testing.T, e *Engine, text string, vec []float32) {
	t.Helper()
	now := time.Now().UTC()
	_, created := e.idx.Insert(domain.CacheEntry{
		ID:            text,
		CanonicalText: text,
		Embedding:     vec,
		Intent:        domain.IntentTurnOn,
		EntityIDs:     []string{"light.test"},
		Source:        domain.SourceAnchor,
		CreatedAt:     now,
		LastHit:       now,
	})
	if !created {
		t.Fatalf("seed entry %q deduplicated unexpectedly", text)
	}
}

func TestLookupHitAfterRerankerAccepts(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"turn on the kitchen light": {1, 0, 0, 0},
	}}
	rer := &stubReranker{score: 0.9}
	e := newTestEngine(t, emb, rer)
	seedEntry(t, e, "turn on the kitchen light", []float32{1, 0, 0, 0})

	hit, reason := e.Lookup(context.Background(), "turn on the kitchen light")
	if hit == nil {
		t.Fatalf("expected hit, got miss (%s)", reason)
	}
	if hit.Entry.Intent != domain.IntentTurnOn {
		t.Fatalf("wrong intent: %s", hit.Entry.Intent)
	}
	if hit.Degraded {
		t.Fatal("healthy reranker must not flag degraded")
	}
	if rer.calls != 1 {
		t.Fatalf("expected 1 reranker call, got %d", rer.calls)
	}
	if got := e.idx.Entries()[0].HitCount; got != 1 {
		t.Fatalf("hit count not recorded, got %d", got)
	}
}

func TestLookupMissWhenRerankerRefuses(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"turn on the kitchen light": {1, 0, 0, 0},
	}}
	rer := &stubReranker{score: 0.2}
	e := newTestEngine(t, emb, rer)
	seedEntry(t, e, "turn on the kitchen light", []float32{1, 0, 0, 0})

	hit, reason := e.Lookup(context.Background(), "turn on the kitchen light")
	if hit != nil {
		t.Fatal("low rerank score must miss")
	}
	if reason != MissRerankerRefused {
		t.Fatalf("expected %s, got %s", MissRerankerRefused, reason)
	}
}

func TestLookupDegradedFallbackUsesRawScore(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"turn on the kitchen light": {1, 0, 0, 0},
	}}
	rer := &stubReranker{err: errors.New("reranker down")}
	e := newTestEngine(t, emb, rer)
	seedEntry(t, e, "turn on the kitchen light", []float32{1, 0, 0, 0})

	hit, _ := e.Lookup(context.Background(), "turn on the kitchen light")
	if hit == nil {
		t.Fatal("exact match with raw score above threshold must hit in degraded mode")
	}
	if !hit.Degraded {
		t.Fatal("fallback acceptance must be flagged degraded")
	}
}

func TestLookupRecordsMetrics(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"turn on the kitchen light": {1, 0, 0, 0},
	}}
	rer := &stubReranker{err: errors.New("reranker down")}
	m := metrics.NewPipeline()
	ix := index.New(index.Config{Alpha: 0.7, NgramSize: 2})
	e := NewEngine(ix, emb, rer, NewFileSnapshotStore(filepath.Join(t.TempDir(), "cache.json")), Config{
		EmbeddingModel: "test-embed",
		Metrics:        m,
	}, nil)

	if hit, _ := e.Lookup(context.Background(), "anything at all"); hit != nil {
		t.Fatal("empty index must miss")
	}
	seedEntry(t, e, "turn on the kitchen light", []float32{1, 0, 0, 0})
	if hit, _ := e.Lookup(context.Background(), "turn on the kitchen light"); hit == nil {
		t.Fatal("expected degraded hit")
	}

	expected := `
# HELP resolver_cache_lookups_total Semantic cache lookups by outcome.
# TYPE resolver_cache_lookups_total counter
resolver_cache_lookups_total{outcome="hit"} 1
resolver_cache_lookups_total{outcome="miss"} 1
# HELP resolver_reranker_fallbacks_total Cache hits accepted on raw score while the reranker was down.
# TYPE resolver_reranker_fallbacks_total counter
resolver_reranker_fallbacks_total 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"resolver_cache_lookups_total", "resolver_reranker_fallbacks_total")
	if err != nil {
		t.Fatalf("metrics not recorded: %v", err)
	}
}

func TestLookupMissOnEmptyIndex(t *testing.T) {
	e := newTestEngine(t, &stubEmbedder{}, &stubReranker{score: 1})
	hit, reason := e.Lookup(context.Background(), "anything at all")
	if hit != nil || reason != MissEmptyIndex {
		t.Fatalf("expected empty-index miss, got %v (%s)", hit, reason)
	}
}

func TestLookupMissWhenEmbedderDown(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("embedder down")}
	rer := &stubReranker{score: 1}
	e := newTestEngine(t, emb, rer)
	seedEntry(t, e, "turn on the kitchen light", []float32{1, 0, 0, 0})

	hit, reason := e.Lookup(context.Background(), "turn on the kitchen light")
	if hit != nil || reason != MissEmbedding {
		t.Fatalf("expected embedding miss, got %v (%s)", hit, reason)
	}
}

func TestLearnGuards(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{}}
	e := newTestEngine(t, emb, &stubReranker{score: 1})

	// Too short to generalize.
	if err := e.Learn(context.Background(), domain.VerifiedCommand{
		Text: "lights on", Intent: domain.IntentTurnOn,
	}); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if e.idx.Len() != 0 {
		t.Fatal("two-word command must not be learned")
	}

	// One-off context.
	if err := e.Learn(context.Background(), domain.VerifiedCommand{
		Text: "set a timer for ten minutes", Intent: domain.IntentTimerSet,
	}); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if e.idx.Len() != 0 {
		t.Fatal("timer command must not be learned")
	}

	if err := e.Learn(context.Background(), domain.VerifiedCommand{
		Text:      "turn on the reading lamp",
		Intent:    domain.IntentTurnOn,
		EntityIDs: []string{"light.reading"},
	}); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if e.idx.Len() != 1 {
		t.Fatalf("expected 1 learned entry, got %d", e.idx.Len())
	}
}

func TestLearnDedupIsIdempotent(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"turn on the reading lamp": {1, 0, 0, 0},
	}}
	e := newTestEngine(t, emb, &stubReranker{score: 1})

	cmd := domain.VerifiedCommand{
		Text:      "turn on the reading lamp",
		Intent:    domain.IntentTurnOn,
		EntityIDs: []string{"light.reading"},
	}
	for range 3 {
		if err := e.Learn(context.Background(), cmd); err != nil {
			t.Fatalf("learn: %v", err)
		}
	}
	if e.idx.Len() != 1 {
		t.Fatalf("repeated learn must dedup, got %d entries", e.idx.Len())
	}
	if got := e.idx.Entries()[0].HitCount; got != 3 {
		t.Fatalf("expected hit count 3 after dedup bumps, got %d", got)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"turn on the reading lamp": {1, 0, 0, 0},
	}}
	path := filepath.Join(t.TempDir(), "cache.json")
	ix := index.New(index.Config{})
	e := NewEngine(ix, emb, &stubReranker{score: 1}, NewFileSnapshotStore(path), Config{
		EmbeddingModel: "test-embed",
	}, nil)

	if err := e.Learn(context.Background(), domain.VerifiedCommand{
		Text:      "turn on the reading lamp",
		Intent:    domain.IntentTurnOn,
		EntityIDs: []string{"light.reading"},
	}); err != nil {
		t.Fatalf("learn: %v", err)
	}

	fresh := NewEngine(index.New(index.Config{}), emb, &stubReranker{score: 1},
		NewFileSnapshotStore(path), Config{EmbeddingModel: "test-embed"}, nil)
	n, err := fresh.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored entry, got %d", n)
	}
}

func TestRestoreRejectsModelMismatch(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"turn on the reading lamp": {1, 0, 0, 0},
	}}
	path := filepath.Join(t.TempDir(), "cache.json")
	e := NewEngine(index.New(index.Config{}), emb, &stubReranker{score: 1},
		NewFileSnapshotStore(path), Config{EmbeddingModel: "model-a"}, nil)
	if err := e.Learn(context.Background(), domain.VerifiedCommand{
		Text:      "turn on the reading lamp",
		Intent:    domain.IntentTurnOn,
		EntityIDs: []string{"light.reading"},
	}); err != nil {
		t.Fatalf("learn: %v", err)
	}

	other := NewEngine(index.New(index.Config{}), emb, &stubReranker{score: 1},
		NewFileSnapshotStore(path), Config{EmbeddingModel: "model-b"}, nil)
	n, err := other.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 0 {
		t.Fatal("snapshot embedded with a different model must be discarded")
	}
}

func TestRestoreMissingSnapshotIsNotAnError(t *testing.T) {
	e := NewEngine(index.New(index.Config{}), &stubEmbedder{}, &stubReranker{},
		NewFileSnapshotStore(filepath.Join(t.TempDir(), "absent.json")), Config{}, nil)
	n, err := e.Restore(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected clean empty restore, got n=%d err=%v", n, err)
	}
}

func TestStatsAndClear(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"turn on the kitchen light": {1, 0, 0, 0},
	}}
	e := newTestEngine(t, emb, &stubReranker{score: 0.9})
	seedEntry(t, e, "turn on the kitchen light", []float32{1, 0, 0, 0})

	e.Lookup(context.Background(), "turn on the kitchen light")
	e.Lookup(context.Background(), "something entirely different here")

	stats := e.Stats()
	if stats.TotalLookups != 2 || stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.HitRate != 50 {
		t.Fatalf("expected 50%% hit rate, got %f", stats.HitRate)
	}
	if stats.Anchors != 1 {
		t.Fatalf("expected 1 anchor, got %d", stats.Anchors)
	}

	if err := e.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats = e.Stats()
	if stats.Size != 0 || stats.TotalLookups != 0 {
		t.Fatalf("clear did not reset: %+v", stats)
	}
}

func TestMissReasonStrings(t *testing.T) {
	for _, reason := range []string{MissEmptyIndex, MissEmbedding, MissBelowThreshold, MissRerankerRefused} {
		if strings.Contains(reason, " ") {
			t.Fatalf("miss reason %q must be a label, not prose", reason)
		}
	}
}
