package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/voxhome/command-resolver/internal/core/domain"
)

// CouplingGraph answers physical dependency questions: which entities must
// be on before a target entity can respond (a bulb behind a smart plug, an
// amp feeding passive speakers). Edges are directed POWERED_BY
// relationships.
type CouplingGraph struct {
	driver   neo4j.DriverWithContext
	database string
}

func NewCouplingGraph(driver neo4j.DriverWithContext, database string) *CouplingGraph {
	return &CouplingGraph{driver: driver, database: database}
}

// Dependencies returns the upstream entity ids in power order, farthest
// first. Depth is capped; a household coupling chain deeper than 5 hops is
// a modeling error, not a topology.
func (g *CouplingGraph) Dependencies(ctx context.Context, entityID string) ([]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: g.database,
	})
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]string, error) {
		result, err := tx.Run(ctx, `
MATCH (e:Entity {id: $id})-[:POWERED_BY*1..5]->(dep:Entity)
RETURN DISTINCT dep.id AS id
ORDER BY id
`, map[string]any{"id": entityID})
		if err != nil {
			return nil, err
		}
		var ids []string
		for result.Next(ctx) {
			id, ok := result.Record().Get("id")
			if !ok {
				continue
			}
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids, result.Err()
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, "coupling dependencies", err)
	}
	return records, nil
}

// UpsertCoupling records that entity depends on (is powered by) upstream.
func (g *CouplingGraph) UpsertCoupling(ctx context.Context, entityID, upstreamID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: g.database,
	})
	defer session.Close(ctx)

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
MERGE (e:Entity {id: $id})
MERGE (up:Entity {id: $upstream})
MERGE (e)-[:POWERED_BY]->(up)
`, map[string]any{"id": entityID, "upstream": upstreamID})
		return nil, err
	})
	if err != nil {
		return domain.WrapError(domain.ErrServiceUnavailable,
			fmt.Sprintf("upsert coupling %s -> %s", entityID, upstreamID), err)
	}
	return nil
}

func (g *CouplingGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
