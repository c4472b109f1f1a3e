package ports

import (
	"context"

	"github.com/voxhome/command-resolver/internal/core/domain"
)

// CommandResolver processes one conversation turn.
type CommandResolver interface {
	Resolve(ctx context.Context, req domain.ResolveRequest) (domain.TurnResult, error)
}

// CacheAdmin exposes operational control over the semantic cache.
type CacheAdmin interface {
	Stats() domain.CacheStats
	Clear(ctx context.Context) error
}

// CouplingAdmin maintains the device dependency graph.
type CouplingAdmin interface {
	UpsertCoupling(ctx context.Context, entityID, upstreamID string) error
}
