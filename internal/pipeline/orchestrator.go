package pipeline

import (
	"context"
	"log/slog"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/observability/metrics"
)

// Orchestrator walks the fixed escalation ladder. Stages only move forward:
// escalation goes to the next stage, escalate-chat jumps to the terminal
// conversational stage, and running out of stages yields an apology rather
// than an internal error.
type Orchestrator struct {
	stages  []Stage
	chatIdx int
	logger  *slog.Logger
	metrics *metrics.Pipeline
}

func NewOrchestrator(stages []Stage, m *metrics.Pipeline, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	chatIdx := len(stages) - 1
	return &Orchestrator{stages: stages, chatIdx: chatIdx, logger: logger, metrics: m}
}

const unresolvedReply = "Sorry, I didn't understand that."

// Run executes stages from the start of the ladder, or from the chat stage
// when the session is in sticky chat mode. It returns the terminal result
// and the name of the stage that produced it.
func (o *Orchestrator) Run(ctx context.Context, turn *Turn, startAtChat bool) (domain.StageResult, string) {
	if turn.Context == nil {
		turn.Context = map[string]any{}
	}

	i := 0
	if startAtChat {
		i = o.chatIdx
	}

	for i < len(o.stages) {
		stage := o.stages[i]
		result := stage.Run(ctx, turn)
		turn.Context = domain.MergeContext(turn.Context, result.Context)
		o.metrics.StageResult(stage.Name(), string(result.Status))
		o.logger.Debug("stage_result", "stage", stage.Name(), "status", result.Status)

		switch result.Status {
		case domain.StatusSuccess, domain.StatusError:
			result.Context = turn.Context
			return result, stage.Name()
		case domain.StatusEscalateChat:
			if i >= o.chatIdx {
				i = len(o.stages)
				continue
			}
			i = o.chatIdx
		default:
			i++
		}
	}

	o.logger.Info("pipeline_exhausted", "text_len", len(turn.Text))
	result := domain.Error("pipeline exhausted", unresolvedReply, turn.Text)
	result.Context = domain.MergeContext(turn.Context, result.Context)
	return result, "exhausted"
}
