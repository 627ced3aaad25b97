package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/flagstate/internal/db"
	"github.com/rpattn/flagstate/internal/metrics"
)

type revisionRepository struct {
	db      db.DBTX
	metrics *metrics.Metrics
}

// NewRevisionRepository creates a repository over the events table.
func NewRevisionRepository(exec db.DBTX, m *metrics.Metrics) RevisionRepository {
	return &revisionRepository{db: exec, metrics: m}
}

func (r *revisionRepository) GetMaxRevisionID(ctx context.Context) (int64, error) {
	defer r.metrics.DBTimer("event", "getMaxRevisionId")()

	var id int64
	if err := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("get max revision id: %w", err)
	}
	return id, nil
}
