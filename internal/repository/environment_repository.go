package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/flagstate/internal/db"
)

type environmentRepository struct {
	db db.DBTX
}

// NewEnvironmentRepository creates an environment repository.
func NewEnvironmentRepository(exec db.DBTX) EnvironmentRepository {
	return &environmentRepository{db: exec}
}

func (r *environmentRepository) ListEnabled(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT name FROM environments WHERE enabled ORDER BY sort_order, name`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate environments: %w", err)
	}
	return names, nil
}
