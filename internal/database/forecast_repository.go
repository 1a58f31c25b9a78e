package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/renewcast/coherent-go/internal/models"
)

// DatabasePool defines the interface for database pool operations.
// This interface allows for both real pool and mock pool implementations.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ForecastRepository handles persistence of hierarchies, base forecasts and
// reconciliation runs. Aggregation matrices and value vectors are stored as
// JSONB so the schema stays independent of hierarchy shape.
type ForecastRepository struct {
	pool DatabasePool
}

// NewForecastRepository creates a new forecast repository.
func NewForecastRepository(pool DatabasePool) *ForecastRepository {
	return &ForecastRepository{pool: pool}
}

// SaveHierarchy stores a hierarchy definition and returns its id.
func (r *ForecastRepository) SaveHierarchy(ctx context.Context, spec *models.HierarchySpec) (uuid.UUID, error) {
	agg, err := json.Marshal(spec.Aggregation)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode aggregation matrix: %w", err)
	}
	names, err := json.Marshal(spec.SeriesNames)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode series names: %w", err)
	}

	query := `
		INSERT INTO hierarchies (name, aggregation, series_names)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err = r.pool.QueryRow(ctx, query, spec.Name, agg, names).Scan(&spec.ID, &spec.CreatedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to save hierarchy: %w", err)
	}
	return spec.ID, nil
}

// GetHierarchy loads a hierarchy definition by id.
func (r *ForecastRepository) GetHierarchy(ctx context.Context, id uuid.UUID) (*models.HierarchySpec, error) {
	query := `
		SELECT id, name, aggregation, series_names, created_at
		FROM hierarchies
		WHERE id = $1
	`

	var spec models.HierarchySpec
	var agg, names []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(&spec.ID, &spec.Name, &agg, &names, &spec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load hierarchy: %w", err)
	}
	if err := json.Unmarshal(agg, &spec.Aggregation); err != nil {
		return nil, fmt.Errorf("failed to decode aggregation matrix: %w", err)
	}
	if len(names) > 0 {
		if err := json.Unmarshal(names, &spec.SeriesNames); err != nil {
			return nil, fmt.Errorf("failed to decode series names: %w", err)
		}
	}
	return &spec, nil
}

// ListHierarchies returns all stored hierarchy definitions, newest first.
func (r *ForecastRepository) ListHierarchies(ctx context.Context) ([]models.HierarchySpec, error) {
	query := `
		SELECT id, name, aggregation, series_names, created_at
		FROM hierarchies
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list hierarchies: %w", err)
	}
	defer rows.Close()

	var specs []models.HierarchySpec
	for rows.Next() {
		var spec models.HierarchySpec
		var agg, names []byte
		if err := rows.Scan(&spec.ID, &spec.Name, &agg, &names, &spec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy: %w", err)
		}
		if err := json.Unmarshal(agg, &spec.Aggregation); err != nil {
			return nil, fmt.Errorf("failed to decode aggregation matrix: %w", err)
		}
		if len(names) > 0 {
			if err := json.Unmarshal(names, &spec.SeriesNames); err != nil {
				return nil, fmt.Errorf("failed to decode series names: %w", err)
			}
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// CreateRun records a pending reconciliation run and fills in its id.
func (r *ForecastRepository) CreateRun(ctx context.Context, run *models.ReconciliationRun) error {
	query := `
		INSERT INTO reconciliation_runs (hierarchy_id, status, strategy, covariance, non_negativity)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		run.HierarchyID, run.Status, run.Strategy, run.Covariance, run.NonNegativity,
	).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// CompleteRun marks a run as finished with its outcome.
func (r *ForecastRepository) CompleteRun(ctx context.Context, run *models.ReconciliationRun) error {
	query := `
		UPDATE reconciliation_runs
		SET status = $2, converged = $3, iterations = $4,
		    coherence_residual = $5, error = $6, completed_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		run.ID, run.Status, run.Converged, run.Iterations, run.CoherenceResidual, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun loads a run record by id.
func (r *ForecastRepository) GetRun(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	query := `
		SELECT id, hierarchy_id, status, strategy, covariance, non_negativity,
		       converged, iterations, coherence_residual, COALESCE(error, ''),
		       created_at, COALESCE(completed_at, created_at)
		FROM reconciliation_runs
		WHERE id = $1
	`

	var run models.ReconciliationRun
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.HierarchyID,
		&run.Status,
		&run.Strategy,
		&run.Covariance,
		&run.NonNegativity,
		&run.Converged,
		&run.Iterations,
		&run.CoherenceResidual,
		&run.Error,
		&run.CreatedAt,
		&run.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &run, nil
}

// SaveBaseForecast stores one series' base forecast vector.
func (r *ForecastRepository) SaveBaseForecast(ctx context.Context, f *models.BaseForecast) error {
	values, err := json.Marshal(f.Values)
	if err != nil {
		return fmt.Errorf("failed to encode forecast values: %w", err)
	}

	query := `
		INSERT INTO base_forecasts (hierarchy_id, series_index, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (hierarchy_id, series_index)
		DO UPDATE SET data = EXCLUDED.data, created_at = CURRENT_TIMESTAMP
		RETURNING id, created_at
	`

	err = r.pool.QueryRow(ctx, query, f.HierarchyID, f.SeriesIndex, values).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save base forecast: %w", err)
	}
	return nil
}

// GetBaseForecasts loads all stored base forecasts for a hierarchy ordered by
// series index.
func (r *ForecastRepository) GetBaseForecasts(ctx context.Context, hierarchyID uuid.UUID) ([]models.BaseForecast, error) {
	query := `
		SELECT id, hierarchy_id, series_index, data, created_at
		FROM base_forecasts
		WHERE hierarchy_id = $1
		ORDER BY series_index
	`

	rows, err := r.pool.Query(ctx, query, hierarchyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load base forecasts: %w", err)
	}
	defer rows.Close()

	var out []models.BaseForecast
	for rows.Next() {
		var f models.BaseForecast
		var values []byte
		if err := rows.Scan(&f.ID, &f.HierarchyID, &f.SeriesIndex, &values, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan base forecast: %w", err)
		}
		if err := json.Unmarshal(values, &f.Values); err != nil {
			return nil, fmt.Errorf("failed to decode forecast values: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
