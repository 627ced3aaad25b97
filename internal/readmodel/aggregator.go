package readmodel

import (
	"bytes"
	"cmp"
	"encoding/json"
	"slices"

	"github.com/rpattn/flagstate/internal/domain"
)

// Options tune how rows are folded.
type Options struct {
	// InlineSegmentConstraints appends each segment's constraints to the
	// strategy instead of listing segment ids, for SDKs without segment support.
	InlineSegmentConstraints bool

	// DedupeDependencies collapses identical dependency edges produced by the
	// join fan-out. Off by default: edges are emitted once per row.
	DedupeDependencies bool
}

// Aggregator folds rows into per-environment features. It is not safe for
// concurrent use; build one per aggregation.
type Aggregator struct {
	opts         Options
	environments map[string]map[string]*featureBuilder
}

type featureBuilder struct {
	feature    domain.ClientFeature
	strategies []*strategyBuilder
	byID       map[string]*strategyBuilder
	seenDeps   map[dependencyKey]struct{}
}

type strategyBuilder struct {
	id        string
	sortOrder int
	strategy  domain.ClientStrategy
	segments  map[int64]struct{}
}

type dependencyKey struct {
	parent   string
	enabled  bool
	variants string
}

var emptyJSONArray = json.RawMessage("[]")

// NewAggregator creates an empty aggregator.
func NewAggregator(opts Options) *Aggregator {
	return &Aggregator{
		opts:         opts,
		environments: make(map[string]map[string]*featureBuilder),
	}
}

// Aggregate folds rows in order and returns the finished features.
func Aggregate(rows []Row, opts Options) domain.EnvironmentFeatures {
	agg := NewAggregator(opts)
	for _, row := range rows {
		agg.Add(row)
	}
	return agg.Result()
}

// Add folds a single row.
func (a *Aggregator) Add(row Row) {
	feature := a.resolveFeature(row)

	if row.HasDependency() {
		feature.addDependency(row, a.opts.DedupeDependencies)
	}

	if row.HasStrategy() && !row.StrategyDisabled {
		if _, seen := feature.byID[row.StrategyID]; !seen {
			entry := &strategyBuilder{
				id:        row.StrategyID,
				sortOrder: row.SortOrder,
				strategy:  normalizeStrategy(row),
			}
			feature.strategies = append(feature.strategies, entry)
			feature.byID[row.StrategyID] = entry
		}
	}

	if row.HasSegment() {
		// Segments of a disabled or unknown strategy are dropped.
		if entry, ok := feature.byID[row.StrategyID]; ok {
			entry.addSegment(row, a.opts.InlineSegmentConstraints)
		}
	}
}

// Result sorts each feature's strategies and returns the assembled map.
// The aggregator may keep receiving rows afterwards; Result always reflects
// every row added so far.
func (a *Aggregator) Result() domain.EnvironmentFeatures {
	out := make(domain.EnvironmentFeatures, len(a.environments))
	for env, features := range a.environments {
		set := make(domain.FeatureSet, len(features))
		for name, builder := range features {
			set[name] = builder.build()
		}
		out[env] = set
	}
	return out
}

// resolveFeature returns the builder for the row's (environment, feature)
// pair, seeding it from the first row seen for that pair.
func (a *Aggregator) resolveFeature(row Row) *featureBuilder {
	features, ok := a.environments[row.Environment]
	if !ok {
		features = make(map[string]*featureBuilder)
		a.environments[row.Environment] = features
	}

	if builder, ok := features[row.Name]; ok {
		return builder
	}

	variants := slices.Clone(row.Variants)
	if variants == nil {
		variants = []domain.Variant{}
	}

	builder := &featureBuilder{
		feature: domain.ClientFeature{
			Name:           row.Name,
			Description:    row.Description,
			Type:           row.Type,
			Project:        row.Project,
			Stale:          row.Stale,
			ImpressionData: row.ImpressionData,
			Enabled:        row.Enabled,
			Variants:       variants,
		},
		byID: make(map[string]*strategyBuilder),
	}
	features[row.Name] = builder
	return builder
}

func (f *featureBuilder) addDependency(row Row, dedupe bool) {
	dep := domain.Dependency{
		Feature: row.Parent,
		Enabled: row.ParentEnabled,
	}
	if row.ParentEnabled {
		dep.Variants = parentVariants(row.ParentVariants)
	}

	if dedupe {
		key := dependencyKey{parent: dep.Feature, enabled: dep.Enabled, variants: string(dep.Variants)}
		if f.seenDeps == nil {
			f.seenDeps = make(map[dependencyKey]struct{})
		}
		if _, seen := f.seenDeps[key]; seen {
			return
		}
		f.seenDeps[key] = struct{}{}
	}

	f.feature.Dependencies = append(f.feature.Dependencies, dep)
}

func parentVariants(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return emptyJSONArray
	}
	return json.RawMessage(bytes.Clone(trimmed))
}

func (s *strategyBuilder) addSegment(row Row, inline bool) {
	if s.segments == nil {
		s.segments = make(map[int64]struct{})
	}
	if _, seen := s.segments[row.SegmentID]; seen {
		return
	}
	s.segments[row.SegmentID] = struct{}{}

	if inline {
		s.strategy.Constraints = append(s.strategy.Constraints, row.SegmentConstraints...)
		return
	}
	s.strategy.Segments = append(s.strategy.Segments, row.SegmentID)
}

// build produces the public feature: strategies stably sorted by sort order,
// internal bookkeeping dropped.
func (f *featureBuilder) build() domain.ClientFeature {
	ordered := slices.Clone(f.strategies)
	slices.SortStableFunc(ordered, func(a, b *strategyBuilder) int {
		return cmp.Compare(a.sortOrder, b.sortOrder)
	})

	feature := f.feature
	feature.Strategies = make([]domain.ClientStrategy, 0, len(ordered))
	for _, entry := range ordered {
		strategy := entry.strategy
		strategy.Segments = slices.Clone(strategy.Segments)
		strategy.Constraints = slices.Clone(strategy.Constraints)
		feature.Strategies = append(feature.Strategies, strategy)
	}
	feature.Variants = slices.Clone(f.feature.Variants)
	feature.Dependencies = slices.Clone(f.feature.Dependencies)
	return feature
}
