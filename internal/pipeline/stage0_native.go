package pipeline

import (
	"context"
	"log/slog"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
	"github.com/voxhome/command-resolver/internal/resolve"
)

// NativeStage is the zero-cost fast path: the platform's own recognizer
// handles exactly-phrased commands without touching models. Anything it is
// not fully confident about escalates.
type NativeStage struct {
	recognizer ports.Recognizer
	resolver   *resolve.Resolver
	logger     *slog.Logger
}

func NewNativeStage(recognizer ports.Recognizer, resolver *resolve.Resolver, logger *slog.Logger) *NativeStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &NativeStage{recognizer: recognizer, resolver: resolver, logger: logger}
}

func (s *NativeStage) Name() string { return "native" }

func (s *NativeStage) Run(ctx context.Context, turn *Turn) domain.StageResult {
	parsed, ok, err := s.recognizer.Recognize(ctx, turn.Text)
	if err != nil {
		s.logger.Debug("native_recognizer_error", "error", err)
		return domain.Escalate(nil, turn.Text)
	}
	if !ok {
		return domain.Escalate(nil, turn.Text)
	}

	res, err := s.resolver.Resolve(ctx, parsed)
	if err != nil || res.Status != domain.ResolutionResolved {
		// The fast path never asks questions; let a smarter stage try.
		return domain.Escalate(nil, turn.Text)
	}

	s.logger.Info("native_parse", "intent", parsed.Intent, "entities", len(res.EntityIDs))
	return domain.Success(parsed.Intent, res.EntityIDs, parsed.Params, nil, turn.Text)
}
