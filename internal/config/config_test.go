package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.RerankerThreshold != 0.73 {
		t.Fatalf("reranker threshold default: %f", cfg.RerankerThreshold)
	}
	if cfg.HybridAlpha != 0.7 {
		t.Fatalf("hybrid alpha default: %f", cfg.HybridAlpha)
	}
	if cfg.VectorSearchTopK != 10 || cfg.CacheMaxEntries != 10000 {
		t.Fatalf("search defaults: %+v", cfg)
	}
	if cfg.SkipStage1LLM {
		t.Fatal("local model must be enabled by default")
	}
	if !cfg.HybridEnabled {
		t.Fatal("hybrid scoring must be enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RERANKER_THRESHOLD", "0.8")
	t.Setenv("SKIP_STAGE1_LLM", "true")
	t.Setenv("HYBRID_ENABLED", "false")
	t.Setenv("HYBRID_NGRAM_SIZE", "3")
	t.Setenv("LLM_MAX_RETRIES", "not-a-number")

	cfg := Load()
	if cfg.RerankerThreshold != 0.8 {
		t.Fatalf("override not applied: %f", cfg.RerankerThreshold)
	}
	if !cfg.SkipStage1LLM {
		t.Fatal("bool override not applied")
	}
	if cfg.HybridEnabled {
		t.Fatal("hybrid disable override not applied")
	}
	if cfg.HybridNgramSize != 3 {
		t.Fatalf("int override not applied: %d", cfg.HybridNgramSize)
	}
	// Unparseable values fall back instead of failing startup.
	if cfg.LLMMaxRetries != 2 {
		t.Fatalf("invalid int must fall back, got %d", cfg.LLMMaxRetries)
	}
}
