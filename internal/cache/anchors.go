package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
)

// AnchorPattern is one utterance template. Scope controls which placeholder
// the template is expanded over: "area" ({area}), "entity" ({entity}),
// "floor" ({floor}) or "global" (no expansion).
type AnchorPattern struct {
	Text      string         `yaml:"text"`
	Intent    string         `yaml:"intent"`
	Scope     string         `yaml:"scope"`
	Domain    string         `yaml:"domain,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
	EntityIDs []string       `yaml:"entity_ids,omitempty"`
}

type patternFile struct {
	Version  int             `yaml:"version"`
	Patterns []AnchorPattern `yaml:"patterns"`
}

// LoadPatterns reads anchor templates from a YAML file.
func LoadPatterns(path string) ([]AnchorPattern, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read anchor patterns", err)
	}
	var file patternFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse anchor patterns", err)
	}
	for i, p := range file.Patterns {
		if p.Text == "" || p.Intent == "" {
			return nil, domain.WrapError(domain.ErrInvalidInput, "validate anchor patterns",
				fmt.Errorf("pattern %d: text and intent are required", i))
		}
		if !domain.KnownIntent(p.Intent) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "validate anchor patterns",
				fmt.Errorf("pattern %d: unknown intent %q", i, p.Intent))
		}
	}
	return file.Patterns, nil
}

const embedBatchSize = 64

// AnchorGenerator expands patterns over the current device topology into
// embedded anchor entries.
type AnchorGenerator struct {
	registry ports.DeviceRegistry
	embedder ports.Embedder
	logger   *slog.Logger
}

func NewAnchorGenerator(registry ports.DeviceRegistry, embedder ports.Embedder, logger *slog.Logger) *AnchorGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnchorGenerator{registry: registry, embedder: embedder, logger: logger}
}

type expanded struct {
	text      string
	intent    string
	entityIDs []string
	params    map[string]any
}

// Generate produces anchor cache entries for every pattern expansion,
// deduplicated by lowercased text.
func (g *AnchorGenerator) Generate(ctx context.Context, patterns []AnchorPattern) ([]domain.CacheEntry, error) {
	entities, err := g.registry.ListExposed(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, "list entities for anchors", err)
	}
	areas, err := g.registry.Areas(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, "list areas for anchors", err)
	}
	floors, err := g.registry.Floors(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, "list floors for anchors", err)
	}

	seen := make(map[string]struct{})
	var rows []expanded
	add := func(row expanded) {
		key := strings.ToLower(strings.TrimSpace(row.text))
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		rows = append(rows, row)
	}

	for _, p := range patterns {
		switch p.Scope {
		case "area":
			for _, area := range areas {
				ids := entityIDsInArea(entities, area.ID, p.Domain)
				if len(ids) == 0 {
					continue
				}
				add(expanded{
					text:      strings.ReplaceAll(p.Text, "{area}", strings.ToLower(area.Name)),
					intent:    p.Intent,
					entityIDs: ids,
					params:    withParam(p.Params, "area", area.Name),
				})
			}
		case "entity":
			for _, ent := range entities {
				if p.Domain != "" && ent.Domain != p.Domain {
					continue
				}
				if ent.Name == "" {
					continue
				}
				add(expanded{
					text:      strings.ReplaceAll(p.Text, "{entity}", strings.ToLower(ent.Name)),
					intent:    p.Intent,
					entityIDs: []string{ent.ID},
					params:    p.Params,
				})
			}
		case "floor":
			for _, floor := range floors {
				ids := entityIDsOnFloor(entities, areas, floor.ID, p.Domain)
				if len(ids) == 0 {
					continue
				}
				add(expanded{
					text:      strings.ReplaceAll(p.Text, "{floor}", strings.ToLower(floor.Name)),
					intent:    p.Intent,
					entityIDs: ids,
					params:    withParam(p.Params, "floor", floor.Name),
				})
			}
		case "global", "":
			add(expanded{
				text:      p.Text,
				intent:    p.Intent,
				entityIDs: p.EntityIDs,
				params:    p.Params,
			})
		default:
			g.logger.Warn("anchor_pattern_unknown_scope", "scope", p.Scope, "text", p.Text)
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	entries := make([]domain.CacheEntry, 0, len(rows))
	for start := 0; start < len(rows); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		texts := make([]string, 0, end-start)
		for _, row := range rows[start:end] {
			texts = append(texts, row.text)
		}
		vecs, err := g.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, domain.WrapError(domain.ErrServiceUnavailable, "embed anchors", err)
		}
		if len(vecs) != len(texts) {
			return nil, domain.WrapError(domain.ErrServiceUnavailable, "embed anchors",
				fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts)))
		}
		for i, row := range rows[start:end] {
			entries = append(entries, domain.CacheEntry{
				ID:            uuid.NewString(),
				CanonicalText: row.text,
				Embedding:     vecs[i],
				Intent:        row.intent,
				EntityIDs:     row.entityIDs,
				Params:        row.params,
				Source:        domain.SourceAnchor,
				CreatedAt:     now,
				LastHit:       now,
			})
		}
	}

	g.logger.Info("anchors_generated", "patterns", len(patterns), "entries", len(entries))
	return entries, nil
}

// SeedAnchors swaps in a fresh anchor set while preserving learned entries.
func (e *Engine) SeedAnchors(ctx context.Context, anchors []domain.CacheEntry) error {
	var learned []domain.CacheEntry
	for _, entry := range e.idx.Entries() {
		if entry.Source == domain.SourceLearned {
			learned = append(learned, entry)
		}
	}
	merged := make([]domain.CacheEntry, 0, len(anchors)+len(learned))
	merged = append(merged, anchors...)
	merged = append(merged, learned...)
	if err := e.idx.Replace(merged); err != nil {
		return err
	}
	return e.persist(ctx)
}

func entityIDsInArea(entities []domain.Entity, areaID, domainFilter string) []string {
	var ids []string
	for _, ent := range entities {
		if ent.AreaID != areaID {
			continue
		}
		if domainFilter != "" && ent.Domain != domainFilter {
			continue
		}
		ids = append(ids, ent.ID)
	}
	return ids
}

func entityIDsOnFloor(entities []domain.Entity, areas []domain.Area, floorID, domainFilter string) []string {
	onFloor := make(map[string]struct{})
	for _, area := range areas {
		if area.FloorID == floorID {
			onFloor[area.ID] = struct{}{}
		}
	}
	var ids []string
	for _, ent := range entities {
		if _, ok := onFloor[ent.AreaID]; !ok {
			continue
		}
		if domainFilter != "" && ent.Domain != domainFilter {
			continue
		}
		ids = append(ids, ent.ID)
	}
	return ids
}

func withParam(params map[string]any, key, value string) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[key] = value
	return out
}
