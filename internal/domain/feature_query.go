package domain

import (
	"errors"
	"slices"
	"strings"
)

// DefaultEnvironment is used when a query does not name an environment.
const DefaultEnvironment = "default"

// AllProjects matches every project when present in a project filter.
const AllProjects = "*"

var (
	// ErrFeatureNotFound is returned when a single feature lookup has no match.
	ErrFeatureNotFound = errors.New("feature not found")

	// ErrInvalidQuery is returned when client query input fails validation.
	ErrInvalidQuery = errors.New("invalid feature query")
)

// TagFilter selects features carrying a tag of the given type and value.
type TagFilter struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// String renders the filter in its wire form, type:value.
func (t TagFilter) String() string {
	return t.Type + ":" + t.Value
}

// ParseTagFilter parses a type:value tag. The value may itself contain colons.
func ParseTagFilter(raw string) (TagFilter, bool) {
	tagType, value, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(tagType) == "" || strings.TrimSpace(value) == "" {
		return TagFilter{}, false
	}
	return TagFilter{Type: strings.TrimSpace(tagType), Value: strings.TrimSpace(value)}, true
}

// FeatureQuery narrows which features a client receives.
type FeatureQuery struct {
	Environment              string      `json:"environment,omitempty"`
	Projects                 []string    `json:"project,omitempty"`
	Tags                     []TagFilter `json:"tag,omitempty"`
	NamePrefix               string      `json:"namePrefix,omitempty"`
	ToggleNames              []string    `json:"-"`
	InlineSegmentConstraints bool        `json:"inlineSegmentConstraints,omitempty"`
}

// EnvironmentOrDefault returns the queried environment or DefaultEnvironment.
func (q FeatureQuery) EnvironmentOrDefault() string {
	if strings.TrimSpace(q.Environment) == "" {
		return DefaultEnvironment
	}
	return q.Environment
}

// MatchesAllProjects reports whether the project filter is absent or contains AllProjects.
func (q FeatureQuery) MatchesAllProjects() bool {
	return len(q.Projects) == 0 || slices.Contains(q.Projects, AllProjects)
}

// Normalized returns a copy with trimmed values, sorted filter lists and the
// default environment filled in, so equivalent queries compare and hash equal.
func (q FeatureQuery) Normalized() FeatureQuery {
	out := FeatureQuery{
		Environment:              q.EnvironmentOrDefault(),
		NamePrefix:               strings.TrimSpace(q.NamePrefix),
		InlineSegmentConstraints: q.InlineSegmentConstraints,
	}

	out.Projects = normalizeStrings(q.Projects)
	out.ToggleNames = normalizeStrings(q.ToggleNames)

	if len(q.Tags) > 0 {
		tags := make([]TagFilter, 0, len(q.Tags))
		for _, tag := range q.Tags {
			if tag.Type == "" || tag.Value == "" {
				continue
			}
			tags = append(tags, tag)
		}
		slices.SortFunc(tags, func(a, b TagFilter) int {
			return strings.Compare(a.String(), b.String())
		})
		out.Tags = slices.CompactFunc(tags, func(a, b TagFilter) bool { return a == b })
	}

	return out
}

func normalizeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ClientFeaturesMeta describes the revision a response was built from.
type ClientFeaturesMeta struct {
	RevisionID int64  `json:"revisionId"`
	Etag       string `json:"etag"`
	QueryHash  string `json:"queryHash"`
}

// ClientFeaturesResponse is the payload of the client features endpoint.
type ClientFeaturesResponse struct {
	Version  int                `json:"version"`
	Features []ClientFeature    `json:"features"`
	Query    FeatureQuery       `json:"query"`
	Segments []ClientSegment    `json:"segments,omitempty"`
	Meta     ClientFeaturesMeta `json:"meta"`
}
