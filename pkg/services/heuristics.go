package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/bloom"
	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/graph"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

// HeuristicEngine computes foreign-key heuristics between entity-type
// pairs from property-value overlap. Computation is purely statistical
// and idempotent: every run derives from the current graph snapshot, no
// incremental state is kept between runs.
type HeuristicEngine struct {
	graphStore graph.Store
	cfg        config.HeuristicsConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewHeuristicEngine creates a heuristic engine.
func NewHeuristicEngine(graphStore graph.Store, cfg config.HeuristicsConfig, logger *zap.Logger) *HeuristicEngine {
	return &HeuristicEngine{
		graphStore: graphStore,
		cfg:        cfg,
		logger:     logger.Named("heuristic-engine"),
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (h *HeuristicEngine) SetNowFunc(now func() time.Time) {
	h.now = now
}

// ComputeAll recomputes heuristics for every entity-type pair currently
// in the graph, including self-referencing pairs.
func (h *HeuristicEngine) ComputeAll(ctx context.Context) ([]models.FkeyHeuristic, error) {
	types, err := h.graphStore.ListEntityTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute heuristics: %w", err)
	}
	sort.Strings(types)

	var all []models.FkeyHeuristic
	for _, aType := range types {
		for _, bType := range types {
			heuristics, err := h.ComputeForTypePair(ctx, aType, bType)
			if err != nil {
				return nil, err
			}
			all = append(all, heuristics...)
		}
	}
	h.logger.Info("heuristic computation complete",
		zap.Int("entity_types", len(types)),
		zap.Int("heuristics", len(all)))
	return all, nil
}

// ComputeForTypePair computes heuristics for foreign keys from properties
// of aType into the identity keys of bType. For each property P of an A
// entity, a match is counted when P's value equals an identity-key value
// of some B entity, or when a set of A properties jointly covers every
// component of one of B's composite key groups.
func (h *HeuristicEngine) ComputeForTypePair(ctx context.Context, aType, bType string) ([]models.FkeyHeuristic, error) {
	bEntities, err := h.graphStore.FindEntities(ctx, bType, nil)
	if err != nil {
		return nil, fmt.Errorf("compute heuristics %s -> %s: %w", aType, bType, err)
	}
	if len(bEntities) == 0 {
		return nil, nil
	}
	keyIndex, err := buildKeyIndex(bEntities)
	if err != nil {
		return nil, fmt.Errorf("compute heuristics %s -> %s: %w", aType, bType, err)
	}

	aEntities, err := h.graphStore.FindEntities(ctx, aType, nil)
	if err != nil {
		return nil, fmt.Errorf("compute heuristics %s -> %s: %w", aType, bType, err)
	}

	accum := make(map[string]*models.FkeyHeuristic)
	for _, a := range aEntities {
		aID, err := a.Identifier()
		if err != nil {
			continue
		}
		for _, m := range keyIndex.matchesFor(a, aType == bType, aID) {
			key := m.aProperty + "\x00" + m.keyGroupID
			heur, ok := accum[key]
			if !ok {
				heur = &models.FkeyHeuristic{
					EntityAType:                aType,
					EntityAProperty:            m.aProperty,
					EntityBType:                bType,
					PropertiesInCompositeIDKey: m.compositeKeyProps,
					PropertyMappings:           m.mappings,
					LastProcessed:              h.now().UTC(),
				}
				accum[key] = heur
			}
			heur.Count++
			if len(heur.ExampleMatches) < h.cfg.MaxExampleMatches {
				heur.ExampleMatches = append(heur.ExampleMatches, models.MatchedPair{
					EntityA: aID,
					EntityB: m.bID,
				})
			}
		}
	}

	out := make([]models.FkeyHeuristic, 0, len(accum))
	for _, heur := range accum {
		out = append(out, *heur)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityAProperty != out[j].EntityAProperty {
			return out[i].EntityAProperty < out[j].EntityAProperty
		}
		return out[i].Count > out[j].Count
	})
	return out, nil
}

// MatchesFor re-derives the full, unbounded match list for one heuristic.
// Used when applying an accepted candidate: every matching pair becomes a
// durable relation, not just the bounded example sample.
func (h *HeuristicEngine) MatchesFor(ctx context.Context, heur models.FkeyHeuristic) ([]models.MatchedPair, error) {
	bEntities, err := h.graphStore.FindEntities(ctx, heur.EntityBType, nil)
	if err != nil {
		return nil, fmt.Errorf("matches for %s.%s -> %s: %w", heur.EntityAType, heur.EntityAProperty, heur.EntityBType, err)
	}
	keyIndex, err := buildKeyIndex(bEntities)
	if err != nil {
		return nil, fmt.Errorf("matches for %s.%s -> %s: %w", heur.EntityAType, heur.EntityAProperty, heur.EntityBType, err)
	}
	aEntities, err := h.graphStore.FindEntities(ctx, heur.EntityAType, nil)
	if err != nil {
		return nil, fmt.Errorf("matches for %s.%s -> %s: %w", heur.EntityAType, heur.EntityAProperty, heur.EntityBType, err)
	}

	var pairs []models.MatchedPair
	for _, a := range aEntities {
		aID, err := a.Identifier()
		if err != nil {
			continue
		}
		for _, m := range keyIndex.matchesFor(a, heur.EntityAType == heur.EntityBType, aID) {
			if m.aProperty != heur.EntityAProperty {
				continue
			}
			pairs = append(pairs, models.MatchedPair{EntityA: aID, EntityB: m.bID})
		}
	}
	return pairs, nil
}

// TypeProperties returns the union of property names observed across all
// live entities of a type, sorted. Fed to the evaluator so it can spot
// indirect relations hiding behind property names.
func (h *HeuristicEngine) TypeProperties(ctx context.Context, entityType string) ([]string, error) {
	entities, err := h.graphStore.FindEntities(ctx, entityType, nil)
	if err != nil {
		return nil, fmt.Errorf("type properties %s: %w", entityType, err)
	}
	seen := make(map[string]struct{})
	var props []string
	for _, e := range entities {
		for _, k := range e.AllProperties.Keys() {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			props = append(props, k)
		}
	}
	sort.Strings(props)
	return props, nil
}

// PropertyCoverage returns how many entities of a type carry a non-empty
// value for the property, and that count as a percentage of the type's
// population.
func (h *HeuristicEngine) PropertyCoverage(ctx context.Context, entityType, property string) (int, float64, error) {
	entities, err := h.graphStore.FindEntities(ctx, entityType, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("property coverage %s.%s: %w", entityType, property, err)
	}
	if len(entities) == 0 {
		return 0, 0, nil
	}
	count := 0
	for _, e := range entities {
		if v, ok := e.AllProperties.Get(property); ok && !v.IsZero() {
			count++
		}
	}
	return count, 100 * float64(count) / float64(len(entities)), nil
}

// ============================================================================
// Key Index
// ============================================================================

// keyMatch is one observed (A property set, B entity) correspondence.
type keyMatch struct {
	// aProperty is the heuristic's anchor property: the A property mapped
	// to the first component of the matched key group.
	aProperty         string
	bID               models.EntityIdentifier
	keyGroupID        string
	compositeKeyProps []string
	mappings          map[string]string
}

// keyIndex maps identity-key component values of B entities back to the
// entities carrying them, one lookup table per (key group, component).
type keyIndex struct {
	groups []keyGroup
}

type keyGroup struct {
	id    string
	props []string
	// byComponent[i] maps a rendered value of props[i] to B identifiers.
	byComponent []map[string][]models.EntityIdentifier
}

func buildKeyIndex(bEntities []*models.Entity) (*keyIndex, error) {
	groupsByID := make(map[string]*keyGroup)
	var order []string
	for _, b := range bEntities {
		bID, err := b.Identifier()
		if err != nil {
			continue
		}
		for _, props := range b.KeyPropertyGroups() {
			if len(props) == 0 {
				continue
			}
			id := groupID(props)
			grp, ok := groupsByID[id]
			if !ok {
				grp = &keyGroup{id: id, props: props, byComponent: make([]map[string][]models.EntityIdentifier, len(props))}
				for i := range grp.byComponent {
					grp.byComponent[i] = make(map[string][]models.EntityIdentifier)
				}
				groupsByID[id] = grp
				order = append(order, id)
			}
			for i, prop := range props {
				v, ok := b.AllProperties.Get(prop)
				if !ok || v.IsZero() {
					continue
				}
				s := v.AsString()
				if !bloom.ShouldIndex(s) {
					continue
				}
				grp.byComponent[i][s] = append(grp.byComponent[i][s], bID)
			}
		}
	}
	ix := &keyIndex{groups: make([]keyGroup, 0, len(order))}
	for _, id := range order {
		ix.groups = append(ix.groups, *groupsByID[id])
	}
	return ix, nil
}

// matchesFor finds every key-group match an A entity has against the
// index. Single-component groups match when any A property value equals a
// key value; composite groups require every component covered by some A
// property, all pointing at the same B entity. Self matches are dropped
// when A and B share a type.
func (ix *keyIndex) matchesFor(a *models.Entity, sameType bool, aID models.EntityIdentifier) []keyMatch {
	var out []keyMatch
	for _, grp := range ix.groups {
		// Per component: the B entities matched and the A property that
		// matched them.
		perComponent := make([]map[models.EntityIdentifier]string, len(grp.props))
		covered := true
		for i := range grp.props {
			matched := make(map[models.EntityIdentifier]string)
			for _, aProp := range a.AllProperties.Keys() {
				v, ok := a.AllProperties.Get(aProp)
				if !ok || v.IsZero() {
					continue
				}
				s := v.AsString()
				if !bloom.ShouldIndex(s) {
					continue
				}
				for _, bID := range grp.byComponent[i][s] {
					if _, taken := matched[bID]; !taken {
						matched[bID] = aProp
					}
				}
			}
			if len(matched) == 0 {
				covered = false
				break
			}
			perComponent[i] = matched
		}
		if !covered {
			continue
		}

		for bID, anchorProp := range perComponent[0] {
			if sameType && bID == aID {
				continue
			}
			mappings := map[string]string{anchorProp: grp.props[0]}
			full := true
			for i := 1; i < len(grp.props); i++ {
				aProp, ok := perComponent[i][bID]
				if !ok {
					full = false
					break
				}
				mappings[aProp] = grp.props[i]
			}
			if !full {
				continue
			}
			m := keyMatch{
				aProperty:  anchorProp,
				bID:        bID,
				keyGroupID: grp.id,
				mappings:   mappings,
			}
			if len(grp.props) > 1 {
				m.compositeKeyProps = grp.props
			}
			out = append(out, m)
		}
	}
	return out
}

func groupID(props []string) string {
	id := ""
	for i, p := range props {
		if i > 0 {
			id += "\x00"
		}
		id += p
	}
	return id
}
