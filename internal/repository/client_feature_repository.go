package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rpattn/flagstate/internal/db"
	"github.com/rpattn/flagstate/internal/domain"
	"github.com/rpattn/flagstate/internal/metrics"
	"github.com/rpattn/flagstate/internal/readmodel"
)

const clientFeatureStore = "client-feature-toggle"

const clientFeaturesSelect = `SELECT
	f.name,
	COALESCE(f.description, ''),
	f.type,
	f.project,
	f.stale,
	f.impression_data,
	env.name,
	COALESCE(fe.enabled, FALSE),
	fe.variants,
	fs.id,
	fs.strategy_name,
	fs.title,
	fs.disabled,
	fs.parameters,
	fs.constraints,
	COALESCE(fs.sort_order, 9999),
	fs.variants,
	fss.segment_id,
	seg.constraints,
	df.parent,
	df.enabled,
	df.variants
FROM features f
JOIN environments env ON env.name = ANY(%s::text[]) AND env.enabled
LEFT JOIN feature_environments fe ON fe.feature_name = f.name AND fe.environment = env.name
LEFT JOIN feature_strategies fs ON fs.feature_name = f.name AND fs.environment = env.name
LEFT JOIN feature_strategy_segment fss ON fss.feature_strategy_id = fs.id
LEFT JOIN segments seg ON seg.id = fss.segment_id
LEFT JOIN dependent_features df ON df.child = f.name
`

const clientFeaturesOrder = "ORDER BY env.name, f.name, fs.sort_order, fs.id, fss.segment_id, df.parent"

type clientFeatureRepository struct {
	db      db.DBTX
	metrics *metrics.Metrics
	options readmodel.Options
}

// ClientFeatureOption configures the client feature repository.
type ClientFeatureOption func(*clientFeatureRepository)

// WithDedupeDependencies collapses duplicate dependency edges.
func WithDedupeDependencies(enabled bool) ClientFeatureOption {
	return func(r *clientFeatureRepository) {
		r.options.DedupeDependencies = enabled
	}
}

// WithMetrics times every query on the given collectors.
func WithMetrics(m *metrics.Metrics) ClientFeatureOption {
	return func(r *clientFeatureRepository) {
		r.metrics = m
	}
}

// NewClientFeatureRepository creates the row source backed by exec.
func NewClientFeatureRepository(exec db.DBTX, opts ...ClientFeatureOption) ClientFeatureRepository {
	repo := &clientFeatureRepository{db: exec}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

func (r *clientFeatureRepository) GetFeaturesByEnvironment(ctx context.Context, environments []string, query domain.FeatureQuery) (domain.EnvironmentFeatures, error) {
	opts := r.options
	opts.InlineSegmentConstraints = query.InlineSegmentConstraints

	agg := readmodel.NewAggregator(opts)
	err := r.StreamRows(ctx, environments, query, func(row readmodel.Row) error {
		agg.Add(row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agg.Result(), nil
}

func (r *clientFeatureRepository) StreamRows(ctx context.Context, environments []string, query domain.FeatureQuery, fn func(readmodel.Row) error) error {
	if len(environments) == 0 {
		return nil
	}
	defer r.metrics.DBTimer(clientFeatureStore, "getAll")()

	sql, args := buildClientFeaturesQuery(environments, query)
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("query client features: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec clientFeatureRecord
		if err := rows.Scan(rec.scanTargets()...); err != nil {
			return fmt.Errorf("scan client feature row: %w", err)
		}
		row, err := rec.toRow()
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate client feature rows: %w", err)
	}
	return nil
}

// buildClientFeaturesQuery renders the join with the optional query filters.
func buildClientFeaturesQuery(environments []string, query domain.FeatureQuery) (string, []any) {
	builder := newSQLBuilder()
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf(clientFeaturesSelect, builder.arg(environments)))

	where := []string{"f.archived_at IS NULL"}

	if len(query.ToggleNames) > 0 {
		where = append(where, fmt.Sprintf("f.name = ANY(%s::text[])", builder.arg(query.ToggleNames)))
	}

	if !query.MatchesAllProjects() {
		where = append(where, fmt.Sprintf("f.project = ANY(%s::text[])", builder.arg(query.Projects)))
	}

	if len(query.Tags) > 0 {
		// Type and value are matched as a pair; either side may contain ':'.
		types := make([]string, 0, len(query.Tags))
		values := make([]string, 0, len(query.Tags))
		for _, tag := range query.Tags {
			types = append(types, tag.Type)
			values = append(values, tag.Value)
		}
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM feature_tag ft JOIN unnest(%s::text[], %s::text[]) AS wanted(tag_type, tag_value) ON ft.tag_type = wanted.tag_type AND ft.tag_value = wanted.tag_value WHERE ft.feature_name = f.name)",
			builder.arg(types),
			builder.arg(values),
		))
	}

	if query.NamePrefix != "" {
		where = append(where, fmt.Sprintf(`f.name LIKE %s ESCAPE '\'`, builder.arg(escapeLike(query.NamePrefix)+"%")))
	}

	sb.WriteString("WHERE ")
	sb.WriteString(strings.Join(where, " AND "))
	sb.WriteString("\n")
	sb.WriteString(clientFeaturesOrder)

	return sb.String(), builder.args
}

// clientFeatureRecord holds one scanned row before JSON decoding.
type clientFeatureRecord struct {
	name             string
	description      string
	featureType      string
	project          string
	stale            bool
	impressionData   bool
	environment      string
	enabled          bool
	variants         []byte
	strategyID       pgtype.Text
	strategyName     pgtype.Text
	strategyTitle    pgtype.Text
	strategyDisabled pgtype.Bool
	parameters       []byte
	constraints      []byte
	sortOrder        int32
	strategyVariants []byte
	segmentID        pgtype.Int8
	segmentRules     []byte
	parent           pgtype.Text
	parentEnabled    pgtype.Bool
	parentVariants   []byte
}

func (rec *clientFeatureRecord) scanTargets() []any {
	return []any{
		&rec.name,
		&rec.description,
		&rec.featureType,
		&rec.project,
		&rec.stale,
		&rec.impressionData,
		&rec.environment,
		&rec.enabled,
		&rec.variants,
		&rec.strategyID,
		&rec.strategyName,
		&rec.strategyTitle,
		&rec.strategyDisabled,
		&rec.parameters,
		&rec.constraints,
		&rec.sortOrder,
		&rec.strategyVariants,
		&rec.segmentID,
		&rec.segmentRules,
		&rec.parent,
		&rec.parentEnabled,
		&rec.parentVariants,
	}
}

func (rec *clientFeatureRecord) toRow() (readmodel.Row, error) {
	row := readmodel.Row{
		Name:           rec.name,
		Description:    rec.description,
		Type:           rec.featureType,
		Project:        rec.project,
		Stale:          rec.stale,
		ImpressionData: rec.impressionData,
		Environment:    rec.environment,
		Enabled:        rec.enabled,
	}

	if err := decodeJSON(rec.variants, &row.Variants); err != nil {
		return row, fmt.Errorf("decode variants of %s/%s: %w", rec.environment, rec.name, err)
	}

	if rec.strategyID.Valid {
		row.StrategyID = rec.strategyID.String
		row.StrategyName = rec.strategyName.String
		row.StrategyTitle = rec.strategyTitle.String
		row.StrategyDisabled = rec.strategyDisabled.Valid && rec.strategyDisabled.Bool
		row.SortOrder = int(rec.sortOrder)

		if err := decodeJSON(rec.parameters, &row.Parameters); err != nil {
			return row, fmt.Errorf("decode parameters of strategy %s: %w", row.StrategyID, err)
		}
		if err := decodeJSON(rec.constraints, &row.Constraints); err != nil {
			return row, fmt.Errorf("decode constraints of strategy %s: %w", row.StrategyID, err)
		}
		if err := decodeJSON(rec.strategyVariants, &row.StrategyVariants); err != nil {
			return row, fmt.Errorf("decode variants of strategy %s: %w", row.StrategyID, err)
		}
	}

	if rec.segmentID.Valid {
		row.SegmentID = rec.segmentID.Int64
		if err := decodeJSON(rec.segmentRules, &row.SegmentConstraints); err != nil {
			return row, fmt.Errorf("decode constraints of segment %d: %w", row.SegmentID, err)
		}
	}

	if rec.parent.Valid {
		row.Parent = rec.parent.String
		row.ParentEnabled = rec.parentEnabled.Valid && rec.parentEnabled.Bool
		row.ParentVariants = json.RawMessage(bytes.Clone(rec.parentVariants))
	}

	return row, nil
}

// decodeJSON decodes a jsonb column, leaving target untouched for NULL.
// Numbers stay json.Number so parameters keep their original text.
func decodeJSON(raw []byte, target any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(target)
}
