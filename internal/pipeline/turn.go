package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxhome/command-resolver/internal/cache"
	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
	execpkg "github.com/voxhome/command-resolver/internal/exec"
	"github.com/voxhome/command-resolver/internal/observability/metrics"
	"github.com/voxhome/command-resolver/internal/resolve"
)

// Processor ties the escalation ladder to sessions, execution verification
// and learning. It is the single entry point for one conversation turn.
type Processor struct {
	orch     *Orchestrator
	sessions *SessionStore
	verifier *execpkg.Verifier
	registry ports.DeviceRegistry
	aliases  ports.AliasStore
	queue    ports.LearnQueue
	engine   *cache.Engine
	metrics  *metrics.Pipeline
	logger   *slog.Logger
	chatTTL  time.Duration
	now      func() time.Time
}

type ProcessorConfig struct {
	Orchestrator *Orchestrator
	Sessions     *SessionStore
	Verifier     *execpkg.Verifier
	Registry     ports.DeviceRegistry
	Aliases      ports.AliasStore
	Queue        ports.LearnQueue
	Engine       *cache.Engine
	Metrics      *metrics.Pipeline
	Logger       *slog.Logger
	ChatModeTTL  time.Duration
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChatModeTTL <= 0 {
		cfg.ChatModeTTL = defaultChatModeTTL
	}
	return &Processor{
		orch:     cfg.Orchestrator,
		sessions: cfg.Sessions,
		verifier: cfg.Verifier,
		registry: cfg.Registry,
		aliases:  cfg.Aliases,
		queue:    cfg.Queue,
		engine:   cfg.Engine,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		chatTTL:  cfg.ChatModeTTL,
		now:      time.Now,
	}
}

// Resolve processes one utterance end to end.
func (p *Processor) Resolve(ctx context.Context, req domain.ResolveRequest) (domain.TurnResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return domain.TurnResult{}, domain.WrapError(domain.ErrInvalidInput, "resolve turn",
			fmt.Errorf("empty utterance"))
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	session := p.sessions.Get(sessionID)
	session.Lock()
	defer session.Unlock()

	started := p.now()
	result, stage := p.resolveTurn(ctx, session, text)
	result.SessionID = sessionID
	result.Stage = stage
	result.ChatMode = session.ChatModeActive(p.now())
	p.metrics.TurnDuration(stage, p.now().Sub(started).Seconds())
	return result, nil
}

func (p *Processor) resolveTurn(ctx context.Context, session *Session, text string) (domain.TurnResult, string) {
	if session.Pending != nil {
		if result, stage, handled := p.handlePending(ctx, session, text); handled {
			return result, stage
		}
	}

	turn := &Turn{Text: text, Session: session, Context: map[string]any{}}
	startAtChat := session.ChatModeActive(p.now())
	result, stage := p.orch.Run(ctx, turn, startAtChat)

	switch {
	case result.Status == domain.StatusError:
		session.AppendHistory("user", text)
		session.AppendHistory("assistant", result.Response)
		return domain.TurnResult{Response: result.Response}, stage
	case result.Intent != "":
		return p.executeResolved(ctx, session, text, result, stage), stage
	default:
		return p.finishConversational(session, text, result), stage
	}
}

// executeResolved runs the device command, verifies the effect, and learns
// the utterance only after verification succeeded.
func (p *Processor) executeResolved(ctx context.Context, session *Session, text string, result domain.StageResult, stage string) domain.TurnResult {
	fromCache, _ := result.Context[ctxFromCache].(bool)

	if result.Intent == domain.IntentGetState {
		return p.answerStateQuery(ctx, session, text, result, fromCache)
	}

	err := p.verifier.ExecuteAndVerify(ctx, result.Intent, result.EntityIDs, result.Params)
	if err != nil {
		if domain.IsKind(err, domain.ErrVerificationFailed) {
			p.metrics.Verification("failed")
			reply := fmt.Sprintf("Sorry, %s is not responding.", p.friendlyName(ctx, result.EntityIDs))
			p.logger.Warn("verification_failed", "intent", result.Intent, "entities", result.EntityIDs)
			session.AppendHistory("user", text)
			session.AppendHistory("assistant", reply)
			return domain.TurnResult{Response: reply, FromCache: fromCache}
		}
		p.metrics.Verification("execute_error")
		p.logger.Error("execution_failed", "intent", result.Intent, "error", err)
		return domain.TurnResult{Response: "Sorry, I couldn't do that.", FromCache: fromCache}
	}
	p.metrics.Verification("ok")

	if !fromCache {
		p.learn(ctx, domain.VerifiedCommand{
			Text:       text,
			Intent:     result.Intent,
			EntityIDs:  result.EntityIDs,
			Params:     result.Params,
			ResolvedAt: p.now().UTC(),
		})
	}

	reply := "Done."
	out := domain.TurnResult{
		Response:  reply,
		Intent:    result.Intent,
		EntityIDs: result.EntityIDs,
		Params:    result.Params,
		FromCache: fromCache,
	}

	// A fuzzy match executed fine; offer to remember the alias, but only
	// persist it after an explicit yes next turn.
	if learning, ok := result.Context[ctxAliasLearning].(*domain.AliasLearning); ok && learning != nil {
		question := fmt.Sprintf("Done. Should I remember %q for next time?", learning.Alias)
		session.Pending = &PendingAction{
			Kind:     PendingAliasConfirm,
			Learning: learning,
			AskedAt:  p.now(),
		}
		out.Response = question
		out.Pending = true
	}

	session.LeaveChatMode()
	session.AppendHistory("user", text)
	session.AppendHistory("assistant", out.Response)
	return out
}

// finishConversational handles chat replies and disambiguation questions.
func (p *Processor) finishConversational(session *Session, text string, result domain.StageResult) domain.TurnResult {
	out := domain.TurnResult{Response: result.Response}

	if options, ok := result.Context[ctxPendingOptions].(map[string]string); ok && len(options) > 0 {
		intent, _ := result.Context[ctxPendingIntent].(string)
		params, _ := result.Context[ctxPendingParams].(map[string]any)
		session.Pending = &PendingAction{
			Kind:    PendingDisambiguation,
			Text:    text,
			Intent:  intent,
			Params:  params,
			Options: options,
			AskedAt: p.now(),
		}
		out.Pending = true
	}

	if chatMode, ok := result.Context[ctxChatMode].(bool); ok {
		if chatMode {
			session.EnterChatMode(p.now(), p.chatTTL)
		} else {
			session.LeaveChatMode()
		}
	}

	session.AppendHistory("user", text)
	session.AppendHistory("assistant", out.Response)
	return out
}

// handlePending interprets the turn as the answer to last turn's question.
// handled=false means the reply looks like a fresh command and the pipeline
// should run normally.
func (p *Processor) handlePending(ctx context.Context, session *Session, text string) (domain.TurnResult, string, bool) {
	pending := session.Pending

	switch pending.Kind {
	case PendingDisambiguation:
		if resolve.IsNegative(text) {
			session.Pending = nil
			return p.ack(session, text, "Okay, cancelled."), "pending", true
		}
		if entityID, ok := resolve.PickOption(text, pending.Options); ok {
			session.Pending = nil
			result := domain.Success(pending.Intent, []string{entityID}, pending.Params, nil, pending.Text)
			// Learn under the original utterance, not the one-word answer.
			out := p.executeResolved(ctx, session, pending.Text, result, "pending")
			return out, "pending", true
		}
		// Not an option and not a no: treat it as a new command.
		session.Pending = nil
		return domain.TurnResult{}, "", false

	case PendingAliasConfirm:
		learning := pending.Learning
		switch {
		case resolve.IsAffirmative(text):
			session.Pending = nil
			if err := p.persistAlias(ctx, learning); err != nil {
				p.logger.Error("alias_persist_failed", "alias", learning.Alias, "error", err)
				return p.ack(session, text, "Sorry, I couldn't save that."), "pending", true
			}
			return p.ack(session, text, fmt.Sprintf("Got it, I'll remember %q.", learning.Alias)), "pending", true
		case resolve.IsNegative(text):
			session.Pending = nil
			return p.ack(session, text, "Okay, I won't."), "pending", true
		default:
			session.Pending = nil
			return domain.TurnResult{}, "", false
		}

	default:
		session.Pending = nil
		return domain.TurnResult{}, "", false
	}
}

// answerStateQuery reads the entities instead of commanding them. Read-only
// queries verify trivially, so they still feed the cache.
func (p *Processor) answerStateQuery(ctx context.Context, session *Session, text string, result domain.StageResult, fromCache bool) domain.TurnResult {
	if len(result.EntityIDs) == 0 || p.registry == nil {
		reply := "Sorry, I couldn't find that device."
		session.AppendHistory("user", text)
		session.AppendHistory("assistant", reply)
		return domain.TurnResult{Response: reply, FromCache: fromCache}
	}

	parts := make([]string, 0, len(result.EntityIDs))
	for _, id := range result.EntityIDs {
		ent, err := p.registry.GetState(ctx, id)
		if err != nil {
			p.logger.Warn("state_query_failed", "entity", id, "error", err)
			continue
		}
		name := ent.Name
		if name == "" {
			name = ent.ID
		}
		value := ent.State
		if unit, ok := ent.Attributes["unit_of_measurement"].(string); ok && unit != "" {
			value = value + " " + unit
		}
		parts = append(parts, fmt.Sprintf("%s is %s", name, value))
	}
	if len(parts) == 0 {
		reply := fmt.Sprintf("Sorry, %s is not responding.", p.friendlyName(ctx, result.EntityIDs))
		session.AppendHistory("user", text)
		session.AppendHistory("assistant", reply)
		return domain.TurnResult{Response: reply, FromCache: fromCache}
	}
	p.metrics.Verification("ok")

	if !fromCache {
		p.learn(ctx, domain.VerifiedCommand{
			Text:       text,
			Intent:     result.Intent,
			EntityIDs:  result.EntityIDs,
			Params:     result.Params,
			ResolvedAt: p.now().UTC(),
		})
	}

	reply := strings.Join(parts, ". ") + "."
	session.LeaveChatMode()
	session.AppendHistory("user", text)
	session.AppendHistory("assistant", reply)
	return domain.TurnResult{
		Response:  reply,
		Intent:    result.Intent,
		EntityIDs: result.EntityIDs,
		Params:    result.Params,
		FromCache: fromCache,
	}
}

func (p *Processor) persistAlias(ctx context.Context, learning *domain.AliasLearning) error {
	if p.aliases == nil || learning == nil {
		return nil
	}
	if learning.Kind == "area" {
		return p.aliases.LearnAreaAlias(ctx, learning.Alias, learning.Target)
	}
	return p.aliases.LearnEntityAlias(ctx, learning.Alias, learning.Target)
}

// learn hands the verified command to the queue, falling back to a direct
// cache insert when no broker is wired or the publish fails. A broker outage
// must never lose the event.
func (p *Processor) learn(ctx context.Context, cmd domain.VerifiedCommand) {
	if p.queue != nil {
		if err := p.queue.PublishVerifiedCommand(ctx, cmd); err != nil {
			p.metrics.LearnEvent("publish_error")
			p.logger.Error("learn_publish_failed", "error", err)
		} else {
			p.metrics.LearnEvent("published")
			return
		}
	}
	if p.engine == nil {
		return
	}
	if err := p.engine.Learn(ctx, cmd); err != nil {
		p.metrics.LearnEvent("error")
		p.logger.Error("learn_failed", "error", err)
		return
	}
	p.metrics.LearnEvent("learned")
}

func (p *Processor) ack(session *Session, userText, reply string) domain.TurnResult {
	session.AppendHistory("user", userText)
	session.AppendHistory("assistant", reply)
	return domain.TurnResult{Response: reply}
}

func (p *Processor) friendlyName(ctx context.Context, entityIDs []string) string {
	if len(entityIDs) == 0 {
		return "the device"
	}
	if p.registry != nil {
		if ent, err := p.registry.GetState(ctx, entityIDs[0]); err == nil && ent.Name != "" {
			return ent.Name
		}
	}
	return entityIDs[0]
}
