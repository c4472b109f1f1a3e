package ports

import (
	"context"

	"github.com/voxhome/command-resolver/internal/core/domain"
)

// Embedder builds vectors for cache entries and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Reranker scores candidate texts for true relevance to a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// IntentParser derives a structured intent from an utterance (Stage 2).
type IntentParser interface {
	Parse(ctx context.Context, utterance string, areas, floors []string) (domain.ParsedIntent, error)
}

// Recognizer is the native fast-path recognizer consulted at Stage 0.
// ok is false when the recognizer has no confident parse.
type Recognizer interface {
	Recognize(ctx context.Context, text string) (parsed domain.ParsedIntent, ok bool, err error)
}

// ChatClient is the terminal cloud conversational fallback (Stage 3).
type ChatClient interface {
	Chat(ctx context.Context, text string, history []domain.ChatMessage) (string, error)
}

// AliasStore persists learned alias mappings. Learning is append-only and
// must be durable before the alias is trusted.
type AliasStore interface {
	AreaAlias(ctx context.Context, alias string) (string, bool, error)
	EntityAlias(ctx context.Context, alias string) (string, bool, error)
	LearnAreaAlias(ctx context.Context, alias, area string) error
	LearnEntityAlias(ctx context.Context, alias, entityID string) error
}

// DeviceRegistry exposes the controllable entities and their topology.
type DeviceRegistry interface {
	ListExposed(ctx context.Context) ([]domain.Entity, error)
	GetState(ctx context.Context, entityID string) (domain.Entity, error)
	Areas(ctx context.Context) ([]domain.Area, error)
	Floors(ctx context.Context) ([]domain.Floor, error)
}

// DeviceController executes a resolved intent against one entity.
type DeviceController interface {
	Execute(ctx context.Context, intent, entityID string, params map[string]any) error
}

// CouplingGraph answers which entities a given entity depends on
// (e.g. a bulb behind a smart plug).
type CouplingGraph interface {
	Dependencies(ctx context.Context, entityID string) ([]string, error)
}

// LearnQueue decouples verified-execution learning from turn latency.
type LearnQueue interface {
	PublishVerifiedCommand(ctx context.Context, cmd domain.VerifiedCommand) error
	SubscribeVerifiedCommand(ctx context.Context, handler func(context.Context, domain.VerifiedCommand) error) error
}

// SnapshotStore persists the semantic cache between restarts.
type SnapshotStore interface {
	Save(ctx context.Context, snap domain.CacheSnapshot) error
	Load(ctx context.Context) (domain.CacheSnapshot, error)
}
