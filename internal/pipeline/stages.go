package pipeline

import (
	"context"

	"github.com/voxhome/command-resolver/internal/core/domain"
)

// Context keys shared between stages and the turn processor.
const (
	ctxFromCache       = "from_cache"
	ctxCacheMissReason = "cache_miss_reason"
	ctxCacheDegraded   = "cache_degraded"
	ctxChatMode        = "chat_mode"
	ctxStage           = "stage"
	ctxAliasLearning   = "alias_learning"
	ctxPendingOptions  = "pending_options"
	ctxPendingIntent   = "pending_intent"
	ctxPendingParams   = "pending_params"
)

// Turn is the mutable state one utterance carries through the stages.
type Turn struct {
	Text    string
	Session *Session
	Context map[string]any
}

// Stage is one step of the escalation ladder. Each invocation returns
// exactly one status; stage context merges append-only into the turn.
type Stage interface {
	Name() string
	Run(ctx context.Context, turn *Turn) domain.StageResult
}
