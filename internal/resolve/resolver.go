package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
)

const defaultFuzzyThreshold = 80

// Resolver maps a parsed intent's free-text device references onto concrete
// entity ids using the exposed topology, learned aliases, and fuzzy name
// matching. Dependencies from the coupling graph are prepended so a bulb
// behind a smart plug powers up in the right order.
type Resolver struct {
	registry  ports.DeviceRegistry
	aliases   ports.AliasStore
	couplings ports.CouplingGraph
	logger    *slog.Logger
	threshold int
}

func NewResolver(registry ports.DeviceRegistry, aliases ports.AliasStore, couplings ports.CouplingGraph, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry:  registry,
		aliases:   aliases,
		couplings: couplings,
		logger:    logger,
		threshold: defaultFuzzyThreshold,
	}
}

// Resolve narrows the exposed entities down by domain, floor, area, device
// class and name, in that order. The outcome is exactly one of: resolved
// entity ids, a disambiguation question, or not-found.
func (r *Resolver) Resolve(ctx context.Context, parsed domain.ParsedIntent) (domain.Resolution, error) {
	entities, err := r.registry.ListExposed(ctx)
	if err != nil {
		return domain.Resolution{}, domain.WrapError(domain.ErrServiceUnavailable, "list entities", err)
	}
	areas, err := r.registry.Areas(ctx)
	if err != nil {
		return domain.Resolution{}, domain.WrapError(domain.ErrServiceUnavailable, "list areas", err)
	}

	var learning *domain.AliasLearning

	pool := entities
	if parsed.Domain != "" {
		pool = filterEntities(pool, func(e domain.Entity) bool { return e.Domain == parsed.Domain })
	}
	if parsed.DeviceClass != "" {
		pool = filterEntities(pool, func(e domain.Entity) bool {
			cls, _ := e.Attributes["device_class"].(string)
			return cls == parsed.DeviceClass
		})
	}
	if parsed.Floor != "" {
		floors, err := r.registry.Floors(ctx)
		if err != nil {
			return domain.Resolution{}, domain.WrapError(domain.ErrServiceUnavailable, "list floors", err)
		}
		floorID := matchFloor(parsed.Floor, floors)
		if floorID == "" {
			return notFound(parsed), nil
		}
		onFloor := make(map[string]struct{})
		for _, a := range areas {
			if a.FloorID == floorID {
				onFloor[a.ID] = struct{}{}
			}
		}
		pool = filterEntities(pool, func(e domain.Entity) bool {
			_, ok := onFloor[e.AreaID]
			return ok
		})
	}
	if parsed.Area != "" {
		areaID, areaLearning, err := r.resolveArea(ctx, parsed.Area, areas)
		if err != nil {
			return domain.Resolution{}, err
		}
		if areaID == "" {
			return notFound(parsed), nil
		}
		learning = areaLearning
		pool = filterEntities(pool, func(e domain.Entity) bool { return e.AreaID == areaID })
	}

	if parsed.Name != "" && !isGroupReference(parsed.Name) {
		matched, nameLearning, err := r.resolveName(ctx, parsed.Name, pool)
		if err != nil {
			return domain.Resolution{}, err
		}
		pool = matched
		if learning == nil {
			learning = nameLearning
		}
	}

	switch len(pool) {
	case 0:
		return notFound(parsed), nil
	case 1:
		ids, err := r.withDependencies(ctx, []string{pool[0].ID})
		if err != nil {
			return domain.Resolution{}, err
		}
		return domain.Resolution{
			Status:    domain.ResolutionResolved,
			EntityIDs: ids,
			Learning:  learning,
		}, nil
	default:
		// A group reference or an area-wide command addresses all matches.
		if parsed.Name == "" || isGroupReference(parsed.Name) {
			ids, err := r.withDependencies(ctx, entityIDs(pool))
			if err != nil {
				return domain.Resolution{}, err
			}
			return domain.Resolution{
				Status:    domain.ResolutionResolved,
				EntityIDs: ids,
				Learning:  learning,
			}, nil
		}
		return ambiguous(pool), nil
	}
}

// resolveArea matches a spoken area name against exact names, learned
// aliases, then fuzzy similarity. A fuzzy match comes with an alias
// learning offer so the next turn can skip the fuzzy step.
func (r *Resolver) resolveArea(ctx context.Context, spoken string, areas []domain.Area) (string, *domain.AliasLearning, error) {
	lowered := strings.ToLower(strings.TrimSpace(spoken))
	for _, a := range areas {
		if strings.ToLower(a.Name) == lowered || a.ID == lowered {
			return a.ID, nil, nil
		}
	}

	if r.aliases != nil {
		target, ok, err := r.aliases.AreaAlias(ctx, lowered)
		if err != nil {
			return "", nil, domain.WrapError(domain.ErrServiceUnavailable, "area alias lookup", err)
		}
		if ok {
			return target, nil, nil
		}
	}

	names := make([]string, len(areas))
	for i, a := range areas {
		names[i] = a.Name
	}
	if i, score := bestFuzzyMatch(lowered, names, r.threshold); i >= 0 {
		r.logger.Debug("area_fuzzy_match", "spoken", lowered, "matched", areas[i].Name, "score", score)
		return areas[i].ID, &domain.AliasLearning{Kind: "area", Alias: lowered, Target: areas[i].ID}, nil
	}
	return "", nil, nil
}

// resolveName narrows the pool by spoken device name: exact, alias, fuzzy,
// then singularized containment as the last resort.
func (r *Resolver) resolveName(ctx context.Context, spoken string, pool []domain.Entity) ([]domain.Entity, *domain.AliasLearning, error) {
	lowered := strings.ToLower(strings.TrimSpace(spoken))

	if exact := filterEntities(pool, func(e domain.Entity) bool {
		return strings.ToLower(e.Name) == lowered
	}); len(exact) > 0 {
		return exact, nil, nil
	}

	if r.aliases != nil {
		target, ok, err := r.aliases.EntityAlias(ctx, lowered)
		if err != nil {
			return nil, nil, domain.WrapError(domain.ErrServiceUnavailable, "entity alias lookup", err)
		}
		if ok {
			if hit := filterEntities(pool, func(e domain.Entity) bool { return e.ID == target }); len(hit) > 0 {
				return hit, nil, nil
			}
		}
	}

	names := make([]string, len(pool))
	for i, e := range pool {
		names[i] = e.Name
	}
	if i, score := bestFuzzyMatch(lowered, names, r.threshold); i >= 0 {
		r.logger.Debug("entity_fuzzy_match", "spoken", lowered, "matched", pool[i].Name, "score", score)
		return []domain.Entity{pool[i]}, &domain.AliasLearning{Kind: "entity", Alias: lowered, Target: pool[i].ID}, nil
	}

	stem := singular(lastWord(lowered))
	if stem != "" {
		if partial := filterEntities(pool, func(e domain.Entity) bool {
			return strings.Contains(strings.ToLower(e.Name), stem)
		}); len(partial) > 0 {
			return partial, nil, nil
		}
	}
	return nil, nil, nil
}

// withDependencies prepends coupling-graph prerequisites (deduplicated) so
// execution can power upstream devices first.
func (r *Resolver) withDependencies(ctx context.Context, ids []string) ([]string, error) {
	if r.couplings == nil {
		return ids, nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range ids {
		deps, err := r.couplings.Dependencies(ctx, id)
		if err != nil {
			// The graph is an optimization; resolution proceeds without it.
			r.logger.Warn("coupling_graph_unavailable", "entity", id, "error", err)
			deps = nil
		}
		for _, dep := range deps {
			add(dep)
		}
		add(id)
	}
	return out, nil
}

func ambiguous(pool []domain.Entity) domain.Resolution {
	sorted := make([]domain.Entity, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	options := make(map[string]string, len(sorted))
	names := make([]string, 0, len(sorted))
	for _, e := range sorted {
		options[e.ID] = e.Name
		names = append(names, e.Name)
	}
	return domain.Resolution{
		Status:   domain.ResolutionAmbiguous,
		Question: fmt.Sprintf("Which one did you mean: %s?", strings.Join(names, ", ")),
		Options:  options,
	}
}

func notFound(parsed domain.ParsedIntent) domain.Resolution {
	what := parsed.Name
	if what == "" {
		what = parsed.Domain
	}
	if what == "" {
		what = "that device"
	}
	return domain.Resolution{
		Status:   domain.ResolutionNotFound,
		Question: fmt.Sprintf("I could not find %s.", what),
	}
}

// PickOption matches a disambiguation reply against the offered options:
// exact name, fuzzy name, then the option whose name shares the most words
// with the reply (only when one option wins outright).
func PickOption(reply string, options map[string]string) (string, bool) {
	lowered := strings.ToLower(strings.TrimSpace(reply))
	if lowered == "" {
		return "", false
	}

	ids := make([]string, 0, len(options))
	for id := range options {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if strings.ToLower(options[id]) == lowered {
			return id, true
		}
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = options[id]
	}
	if i, _ := bestFuzzyMatch(lowered, names, defaultFuzzyThreshold); i >= 0 {
		return ids[i], true
	}

	replyWords := wordSet(lowered)
	best, bestOverlap, tied := "", 0, false
	for _, id := range ids {
		overlap := 0
		for w := range wordSet(strings.ToLower(options[id])) {
			if _, ok := replyWords[w]; ok {
				overlap++
			}
		}
		switch {
		case overlap > bestOverlap:
			best, bestOverlap, tied = id, overlap, false
		case overlap == bestOverlap && overlap > 0:
			tied = true
		}
	}
	if bestOverlap > 0 && !tied {
		return best, true
	}
	return "", false
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[strings.Trim(w, ".,!?")] = struct{}{}
	}
	return out
}

func matchFloor(spoken string, floors []domain.Floor) string {
	lowered := strings.ToLower(strings.TrimSpace(spoken))
	for _, f := range floors {
		if strings.ToLower(f.Name) == lowered || f.ID == lowered {
			return f.ID
		}
	}
	names := make([]string, len(floors))
	for i, f := range floors {
		names[i] = f.Name
	}
	if i, _ := bestFuzzyMatch(lowered, names, defaultFuzzyThreshold); i >= 0 {
		return floors[i].ID
	}
	return ""
}

func filterEntities(in []domain.Entity, keep func(domain.Entity) bool) []domain.Entity {
	var out []domain.Entity
	for _, e := range in {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func entityIDs(in []domain.Entity) []string {
	out := make([]string, len(in))
	for i, e := range in {
		out[i] = e.ID
	}
	return out
}

func lastWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
