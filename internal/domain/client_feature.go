package domain

import (
	"encoding/json"
	"sort"
)

// ClientFeature is the SDK-facing definition of one feature flag in one environment.
type ClientFeature struct {
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Type           string           `json:"type"`
	Project        string           `json:"project"`
	Stale          bool             `json:"stale"`
	ImpressionData bool             `json:"impressionData"`
	Enabled        bool             `json:"enabled"`
	Variants       []Variant        `json:"variants"`
	Strategies     []ClientStrategy `json:"strategies"`
	Dependencies   []Dependency     `json:"dependencies,omitempty"`
}

// ClientStrategy is an activation strategy as delivered to SDKs. Internal
// bookkeeping (strategy id, sort order) is never part of it.
type ClientStrategy struct {
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Constraints []Constraint      `json:"constraints"`
	Parameters  map[string]string `json:"parameters"`
	Segments    []int64           `json:"segments,omitempty"`
	Variants    []StrategyVariant `json:"variants"`
}

// Dependency links a child feature to a parent feature it requires.
// Variants is only present when the parent is required to be enabled.
type Dependency struct {
	Feature  string          `json:"feature"`
	Enabled  bool            `json:"enabled"`
	Variants json.RawMessage `json:"variants,omitempty"`
}

// Constraint narrows a strategy to matching context values.
type Constraint struct {
	ContextName     string   `json:"contextName"`
	Operator        string   `json:"operator"`
	Values          []string `json:"values,omitempty"`
	Value           string   `json:"value,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
	Inverted        bool     `json:"inverted,omitempty"`
}

// VariantPayload is the optional payload attached to a variant.
type VariantPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// VariantOverride forces a variant for specific context values.
type VariantOverride struct {
	ContextName string   `json:"contextName"`
	Values      []string `json:"values"`
}

// Variant is an environment-level feature variant.
type Variant struct {
	Name       string            `json:"name"`
	Weight     int               `json:"weight"`
	WeightType string            `json:"weightType,omitempty"`
	Stickiness string            `json:"stickiness,omitempty"`
	Payload    *VariantPayload   `json:"payload,omitempty"`
	Overrides  []VariantOverride `json:"overrides,omitempty"`
}

// StrategyVariant is a variant scoped to a single strategy.
type StrategyVariant struct {
	Name       string          `json:"name"`
	Weight     int             `json:"weight"`
	WeightType string          `json:"weightType,omitempty"`
	Stickiness string          `json:"stickiness,omitempty"`
	Payload    *VariantPayload `json:"payload,omitempty"`
}

// ClientSegment is a reusable constraint set referenced by strategies.
type ClientSegment struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Constraints []Constraint `json:"constraints"`
}

// FeatureSet holds the features of one environment keyed by feature name.
type FeatureSet map[string]ClientFeature

// Sorted returns the features ordered by name.
func (s FeatureSet) Sorted() []ClientFeature {
	features := make([]ClientFeature, 0, len(s))
	for _, feature := range s {
		features = append(features, feature)
	}
	sort.Slice(features, func(i, j int) bool {
		return features[i].Name < features[j].Name
	})
	return features
}

// EnvironmentFeatures maps an environment name to its feature set.
type EnvironmentFeatures map[string]FeatureSet

// Environment returns the feature set of env, never nil.
func (e EnvironmentFeatures) Environment(env string) FeatureSet {
	if set, ok := e[env]; ok {
		return set
	}
	return FeatureSet{}
}
