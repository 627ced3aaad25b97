// Package clientfeatures serves aggregated feature sets to SDK clients with
// revision based ETags and memoization.
package clientfeatures

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rpattn/flagstate/internal/domain"
	"github.com/rpattn/flagstate/internal/metrics"
	"github.com/rpattn/flagstate/internal/repository"
)

// ResponseVersion is the client features payload version.
const ResponseVersion = 2

// RevisionSource reports the latest known configuration revision.
type RevisionSource interface {
	Current() int64
}

type Service struct {
	features  repository.ClientFeatureRepository
	segments  repository.SegmentRepository
	revisions RevisionSource

	logger  *zap.Logger
	metrics *metrics.Metrics

	cache *expirable.LRU[string, domain.FeatureSet]
	group singleflight.Group
}

type Option func(*Service)

// WithCache memoizes feature sets by etag for at most maxAge.
func WithCache(size int, maxAge time.Duration) Option {
	return func(s *Service) {
		if size > 0 && maxAge > 0 {
			s.cache = expirable.NewLRU[string, domain.FeatureSet](size, nil, maxAge)
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func NewService(
	features repository.ClientFeatureRepository,
	segments repository.SegmentRepository,
	revisions RevisionSource,
	opts ...Option,
) *Service {
	service := &Service{
		features:  features,
		segments:  segments,
		revisions: revisions,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(service)
	}
	service.logger = service.logger.Named("clientfeatures")
	return service
}

// Meta computes the revision, query hash and etag for a query.
func (s *Service) Meta(_ context.Context, query domain.FeatureQuery) (domain.ClientFeaturesMeta, error) {
	normalized := query.Normalized()
	hash, err := hashstructure.Hash(normalized, hashstructure.FormatV2, nil)
	if err != nil {
		return domain.ClientFeaturesMeta{}, fmt.Errorf("hash feature query: %w", err)
	}

	var revision int64
	if s.revisions != nil {
		revision = s.revisions.Current()
	}
	queryHash := strconv.FormatUint(hash, 16)

	return domain.ClientFeaturesMeta{
		RevisionID: revision,
		QueryHash:  queryHash,
		Etag:       fmt.Sprintf("%q", queryHash+":"+strconv.FormatInt(revision, 10)),
	}, nil
}

// GetClientFeatures returns the features of the query's environment sorted by
// name, together with the meta they were built for.
func (s *Service) GetClientFeatures(ctx context.Context, query domain.FeatureQuery) ([]domain.ClientFeature, domain.ClientFeaturesMeta, error) {
	query = query.Normalized()
	meta, err := s.Meta(ctx, query)
	if err != nil {
		return nil, meta, err
	}

	set, err := s.featureSet(ctx, query, meta.Etag)
	if err != nil {
		return nil, meta, err
	}
	return set.Sorted(), meta, nil
}

// Response builds the client payload. Clients that understand segments get
// segment ids plus the active segment list; others get segment constraints
// inlined into each strategy.
func (s *Service) Response(ctx context.Context, query domain.FeatureQuery, withSegments bool) (domain.ClientFeaturesResponse, error) {
	query.InlineSegmentConstraints = !withSegments

	features, meta, err := s.GetClientFeatures(ctx, query)
	if err != nil {
		return domain.ClientFeaturesResponse{}, err
	}

	response := domain.ClientFeaturesResponse{
		Version:  ResponseVersion,
		Features: features,
		Query:    query.Normalized(),
		Meta:     meta,
	}
	if withSegments {
		segments, err := s.GetActiveSegments(ctx)
		if err != nil {
			return domain.ClientFeaturesResponse{}, err
		}
		response.Segments = segments
	}
	return response, nil
}

// GetClientFeature returns a single feature, domain.ErrFeatureNotFound when
// it does not exist in the environment or is filtered out.
func (s *Service) GetClientFeature(ctx context.Context, query domain.FeatureQuery, name string) (domain.ClientFeature, error) {
	query.ToggleNames = []string{name}
	query = query.Normalized()

	meta, err := s.Meta(ctx, query)
	if err != nil {
		return domain.ClientFeature{}, err
	}
	set, err := s.featureSet(ctx, query, meta.Etag)
	if err != nil {
		return domain.ClientFeature{}, err
	}

	feature, ok := set[name]
	if !ok {
		return domain.ClientFeature{}, fmt.Errorf("%w: %s", domain.ErrFeatureNotFound, name)
	}
	return feature, nil
}

// GetFeaturesByEnvironment aggregates several environments in one query.
func (s *Service) GetFeaturesByEnvironment(ctx context.Context, query domain.FeatureQuery, environments []string) (domain.EnvironmentFeatures, error) {
	result, err := s.features.GetFeaturesByEnvironment(ctx, environments, query.Normalized())
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetActiveSegments returns segments used by at least one strategy.
func (s *Service) GetActiveSegments(ctx context.Context) ([]domain.ClientSegment, error) {
	if s.segments == nil {
		return nil, errors.New("segment repository not configured")
	}
	return s.segments.GetActive(ctx)
}

// OnRevision drops memoized results; register it with the revision watcher.
func (s *Service) OnRevision(revision int64) {
	if s.cache == nil {
		return
	}
	s.cache.Purge()
	s.logger.Debug("client feature cache purged", zap.Int64("revision", revision))
}

func (s *Service) featureSet(ctx context.Context, query domain.FeatureQuery, etag string) (domain.FeatureSet, error) {
	if s.cache == nil {
		return s.load(ctx, query)
	}

	if set, ok := s.cache.Get(etag); ok {
		s.metrics.CacheHit()
		return set, nil
	}
	s.metrics.CacheMiss()

	// Concurrent misses for one etag share a single detached load.
	loadCtx := context.WithoutCancel(ctx)
	value, err, shared := s.group.Do(etag, func() (any, error) {
		set, err := s.load(loadCtx, query)
		if err != nil {
			return nil, err
		}
		s.cache.Add(etag, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("coalesced client feature load", zap.String("etag", etag))
	}
	return value.(domain.FeatureSet), nil
}

func (s *Service) load(ctx context.Context, query domain.FeatureQuery) (domain.FeatureSet, error) {
	env := query.EnvironmentOrDefault()
	result, err := s.features.GetFeaturesByEnvironment(ctx, []string{env}, query)
	if err != nil {
		return nil, fmt.Errorf("load client features for %s: %w", env, err)
	}
	return result.Environment(env), nil
}
