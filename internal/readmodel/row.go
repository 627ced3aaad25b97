// Package readmodel folds the denormalized rows of the client feature join
// into per-environment feature definitions ready for SDK consumption.
package readmodel

import (
	"encoding/json"

	"github.com/rpattn/flagstate/internal/domain"
)

// Row is one tuple of the features / environments / strategies / segments /
// dependencies join. A feature in an environment spans one row per strategy,
// multiplied by its segments and by its dependencies.
type Row struct {
	Name           string
	Description    string
	Type           string
	Project        string
	Stale          bool
	ImpressionData bool

	Environment string
	Enabled     bool
	Variants    []domain.Variant

	// StrategyID is empty when the feature has no strategy in the environment.
	StrategyID       string
	StrategyName     string
	StrategyTitle    string
	StrategyDisabled bool
	Parameters       map[string]any
	Constraints      []domain.Constraint
	SortOrder        int
	StrategyVariants []domain.StrategyVariant

	// SegmentID is zero when the row carries no segment.
	SegmentID          int64
	SegmentConstraints []domain.Constraint

	// Parent is empty when the row carries no dependency.
	Parent         string
	ParentEnabled  bool
	ParentVariants json.RawMessage
}

// HasStrategy reports whether the row references a strategy.
func (r Row) HasStrategy() bool {
	return r.StrategyID != ""
}

// HasSegment reports whether the row references a segment.
func (r Row) HasSegment() bool {
	return r.SegmentID != 0
}

// HasDependency reports whether the row references a parent feature.
func (r Row) HasDependency() bool {
	return r.Parent != ""
}
