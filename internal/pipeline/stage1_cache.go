package pipeline

import (
	"context"
	"log/slog"

	"github.com/voxhome/command-resolver/internal/cache"
	"github.com/voxhome/command-resolver/internal/core/domain"
)

// CacheStage replays previously verified resolutions. Temporal parameters
// are always re-read from the current utterance before replay.
type CacheStage struct {
	engine *cache.Engine
	logger *slog.Logger
}

func NewCacheStage(engine *cache.Engine, logger *slog.Logger) *CacheStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheStage{engine: engine, logger: logger}
}

func (s *CacheStage) Name() string { return "cache" }

func (s *CacheStage) Run(ctx context.Context, turn *Turn) domain.StageResult {
	hit, reason := s.engine.Lookup(ctx, turn.Text)
	if hit == nil {
		stageCtx := map[string]any{ctxCacheMissReason: reason}
		if s.engine.CacheOnly() {
			// No local model configured; a miss goes straight to chat.
			return domain.EscalateChat(stageCtx, turn.Text)
		}
		return domain.Escalate(stageCtx, turn.Text)
	}

	params := refreshTemporalParams(hit.Entry.Intent, turn.Text, hit.Entry.Params)
	stageCtx := map[string]any{
		ctxFromCache:     true,
		ctxCacheDegraded: hit.Degraded,
	}
	return domain.Success(hit.Entry.Intent, hit.Entry.EntityIDs, params, stageCtx, turn.Text)
}
