package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/flagstate/internal/db"
	"github.com/rpattn/flagstate/internal/domain"
	"github.com/rpattn/flagstate/internal/metrics"
)

const segmentStore = "segment"

const activeSegmentsQuery = `SELECT s.id, s.name, s.constraints
FROM segments s
WHERE EXISTS (
	SELECT 1
	FROM feature_strategy_segment fss
	JOIN feature_strategies fs ON fs.id = fss.feature_strategy_id
	JOIN features f ON f.name = fs.feature_name
	WHERE fss.segment_id = s.id AND NOT fs.disabled AND f.archived_at IS NULL
)
ORDER BY s.id`

type segmentRepository struct {
	db      db.DBTX
	metrics *metrics.Metrics
}

// NewSegmentRepository creates a segment repository.
func NewSegmentRepository(exec db.DBTX, m *metrics.Metrics) SegmentRepository {
	return &segmentRepository{db: exec, metrics: m}
}

func (r *segmentRepository) GetActive(ctx context.Context) ([]domain.ClientSegment, error) {
	defer r.metrics.DBTimer(segmentStore, "getActive")()

	rows, err := r.db.Query(ctx, activeSegmentsQuery)
	if err != nil {
		return nil, fmt.Errorf("query active segments: %w", err)
	}
	defer rows.Close()

	segments := make([]domain.ClientSegment, 0)
	for rows.Next() {
		var (
			segment     domain.ClientSegment
			constraints []byte
		)
		if err := rows.Scan(&segment.ID, &segment.Name, &constraints); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if err := mapSegmentConstraints(&segment, constraints); err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segments, nil
}

func mapSegmentConstraints(segment *domain.ClientSegment, raw []byte) error {
	if err := decodeJSON(raw, &segment.Constraints); err != nil {
		return fmt.Errorf("decode constraints of segment %d: %w", segment.ID, err)
	}
	if segment.Constraints == nil {
		segment.Constraints = []domain.Constraint{}
	}
	return nil
}
