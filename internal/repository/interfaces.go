package repository

import (
	"context"

	"github.com/rpattn/flagstate/internal/domain"
	"github.com/rpattn/flagstate/internal/readmodel"
)

// ClientFeatureRepository reads the client feature join and folds it into
// per-environment feature sets.
type ClientFeatureRepository interface {
	// GetFeaturesByEnvironment returns the features of every requested
	// environment that exists and is enabled, filtered by query.
	GetFeaturesByEnvironment(ctx context.Context, environments []string, query domain.FeatureQuery) (domain.EnvironmentFeatures, error)

	// StreamRows invokes fn for every joined row in query order. Returning an
	// error from fn stops iteration and is returned unchanged.
	StreamRows(ctx context.Context, environments []string, query domain.FeatureQuery, fn func(readmodel.Row) error) error
}

// SegmentRepository reads segment definitions.
type SegmentRepository interface {
	// GetActive returns segments referenced by at least one enabled strategy.
	GetActive(ctx context.Context) ([]domain.ClientSegment, error)
}

// RevisionRepository reads the event log position.
type RevisionRepository interface {
	// GetMaxRevisionID returns the highest event id, zero when there are no events.
	GetMaxRevisionID(ctx context.Context) (int64, error)
}

// EnvironmentRepository lists environments.
type EnvironmentRepository interface {
	ListEnabled(ctx context.Context) ([]string, error)
}
