package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
	"github.com/voxhome/command-resolver/internal/resolve"
)

// ChatStage is the terminal cloud fallback. A conversational reply makes
// the chat mode sticky for the session; a structured intent in the reply
// clears it and executes like any other parse.
type ChatStage struct {
	client   ports.ChatClient
	resolver *resolve.Resolver
	logger   *slog.Logger
}

func NewChatStage(client ports.ChatClient, resolver *resolve.Resolver, logger *slog.Logger) *ChatStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatStage{client: client, resolver: resolver, logger: logger}
}

func (s *ChatStage) Name() string { return "chat" }

func (s *ChatStage) Run(ctx context.Context, turn *Turn) domain.StageResult {
	reply, err := s.client.Chat(ctx, turn.Text, turn.Session.History)
	if err != nil {
		s.logger.Error("chat_fallback_failed", "error", err)
		return domain.Error("chat unavailable", "Sorry, I can't answer right now.", turn.Text)
	}

	if parsed, ok := parseIntentReply(reply); ok {
		res, err := s.resolver.Resolve(ctx, parsed)
		if err == nil && res.Status == domain.ResolutionResolved {
			// A concrete command ends the conversation.
			return domain.Success(parsed.Intent, res.EntityIDs, parsed.Params,
				map[string]any{ctxChatMode: false}, turn.Text)
		}
	}

	return domain.ChatSuccess(reply, map[string]any{ctxChatMode: true}, turn.Text)
}

// parseIntentReply detects a structured intent in a model reply, with or
// without a markdown code fence around the JSON.
func parseIntentReply(reply string) (domain.ParsedIntent, bool) {
	text := strings.TrimSpace(reply)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		text = strings.TrimSpace(text)
	}
	if !strings.HasPrefix(text, "{") {
		return domain.ParsedIntent{}, false
	}
	var parsed domain.ParsedIntent
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return domain.ParsedIntent{}, false
	}
	if parsed.Intent == "" {
		return domain.ParsedIntent{}, false
	}
	return parsed, true
}
