package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
	"github.com/voxhome/command-resolver/internal/infrastructure/resilience"
	"github.com/voxhome/command-resolver/internal/resolve"
)

// LLMStage asks a local model for a structured parse and resolves its
// device references. Transient model failures are retried behind the
// resilience executor; exhaustion escalates to the conversational fallback
// instead of failing the turn.
type LLMStage struct {
	parser   ports.IntentParser
	resolver *resolve.Resolver
	registry ports.DeviceRegistry
	exec     *resilience.Executor
	logger   *slog.Logger
	timeout  time.Duration
}

func NewLLMStage(
	parser ports.IntentParser,
	resolver *resolve.Resolver,
	registry ports.DeviceRegistry,
	exec *resilience.Executor,
	timeout time.Duration,
	logger *slog.Logger,
) *LLMStage {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMStage{
		parser:   parser,
		resolver: resolver,
		registry: registry,
		exec:     exec,
		logger:   logger,
		timeout:  timeout,
	}
}

func (s *LLMStage) Name() string { return "llm" }

func (s *LLMStage) Run(ctx context.Context, turn *Turn) domain.StageResult {
	areaNames, floorNames := s.topologyNames(ctx)

	var parsed domain.ParsedIntent
	err := s.exec.Execute(ctx, "llm_parse", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		var parseErr error
		parsed, parseErr = s.parser.Parse(attemptCtx, turn.Text, areaNames, floorNames)
		return parseErr
	}, resilience.KindClassifier)
	if err != nil {
		s.logger.Warn("llm_parse_exhausted", "error", err)
		return domain.Escalate(nil, turn.Text)
	}

	if parsed.Chat {
		// The model itself judged this to be conversation, not a command.
		return domain.EscalateChat(nil, turn.Text)
	}
	if parsed.Intent == "" {
		return domain.Escalate(nil, turn.Text)
	}

	res, err := s.resolver.Resolve(ctx, parsed)
	if err != nil {
		s.logger.Warn("llm_resolution_error", "error", err)
		return domain.Escalate(nil, turn.Text)
	}

	switch res.Status {
	case domain.ResolutionResolved:
		var stageCtx map[string]any
		if res.Learning != nil {
			stageCtx = map[string]any{ctxAliasLearning: res.Learning}
		}
		return domain.Success(parsed.Intent, res.EntityIDs, parsed.Params, stageCtx, turn.Text)
	case domain.ResolutionAmbiguous:
		stageCtx := map[string]any{
			ctxPendingOptions: res.Options,
			ctxPendingIntent:  parsed.Intent,
			ctxPendingParams:  parsed.Params,
		}
		return domain.ChatSuccess(res.Question, stageCtx, turn.Text)
	default:
		return domain.Error("entity not found", res.Question, turn.Text)
	}
}

func (s *LLMStage) topologyNames(ctx context.Context) ([]string, []string) {
	var areaNames, floorNames []string
	if areas, err := s.registry.Areas(ctx); err == nil {
		for _, a := range areas {
			areaNames = append(areaNames, a.Name)
		}
	}
	if floors, err := s.registry.Floors(ctx); err == nil {
		for _, f := range floors {
			floorNames = append(floorNames, f.Name)
		}
	}
	return areaNames, floorNames
}
