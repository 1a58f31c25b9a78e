package models

import (
	"time"

	"github.com/google/uuid"
)

// HierarchySpec describes a cross-sectional hierarchy as submitted by
// clients: an aggregation matrix over named series, aggregates first.
type HierarchySpec struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Aggregation [][]float64 `json:"aggregation"`
	SeriesNames []string    `json:"series_names,omitempty"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// TemporalSpec describes a temporal hierarchy over one forecast cycle.
type TemporalSpec struct {
	Frequency int   `json:"frequency"`
	Horizon   int   `json:"horizon"`
	Orders    []int `json:"orders,omitempty"`
}

// ReconcileOptions selects strategies for a single reconciliation call.
// Empty fields fall back to the service defaults from configuration.
type ReconcileOptions struct {
	CovarianceStrategy  string  `json:"covariance_strategy,omitempty"`
	CompositionStrategy string  `json:"composition_strategy,omitempty"`
	NonNegativity       string  `json:"non_negativity,omitempty"`
	MaxIterations       int     `json:"max_iterations,omitempty"`
	Tolerance           float64 `json:"tolerance,omitempty"`
	IncludeDiagnostics  bool    `json:"include_diagnostics,omitempty"`
}

// FixedCell pins one matrix entry to its base value during reconciliation.
type FixedCell struct {
	Series int `json:"series"`
	Slot   int `json:"slot"`
}

// ReconcileRequest is the payload for a reconciliation call. Base holds the
// incoherent forecasts, series rows by stacked temporal slots; Residuals, when
// present, feed the data-driven covariance strategies.
type ReconcileRequest struct {
	HierarchyID uuid.UUID        `json:"hierarchy_id,omitempty"`
	Hierarchy   *HierarchySpec   `json:"hierarchy,omitempty"`
	Temporal    *TemporalSpec    `json:"temporal,omitempty"`
	Base        [][]float64      `json:"base"`
	Residuals   [][]float64      `json:"residuals,omitempty"`
	Fixed       []FixedCell      `json:"fixed,omitempty"`
	Options     ReconcileOptions `json:"options"`
}

// CovarianceDiagnostics reports what the estimator actually did.
type CovarianceDiagnostics struct {
	Requested   string `json:"requested"`
	Applied     string `json:"applied"`
	FellBack    bool   `json:"fell_back"`
	Regularized bool   `json:"regularized"`
}

// SolverDiagnostics reports the non-negativity solver outcome.
type SolverDiagnostics struct {
	Status            string  `json:"status"`
	Iterations        int     `json:"iterations"`
	AchievedTolerance float64 `json:"achieved_tolerance"`
}

// Diagnostics accompanies a reconciled matrix when the caller asks for them.
type Diagnostics struct {
	Strategy          string                 `json:"strategy"`
	Factorization     string                 `json:"factorization,omitempty"`
	Converged         bool                   `json:"converged"`
	Iterations        int                    `json:"iterations"`
	Delta             float64                `json:"delta"`
	CoherenceResidual float64                `json:"coherence_residual"`
	Covariance        *CovarianceDiagnostics `json:"covariance,omitempty"`
	Solver            *SolverDiagnostics     `json:"solver,omitempty"`
	DurationMS        int64                  `json:"duration_ms"`
}

// ReconcileResponse returns the reconciled matrix in the same layout as the
// request's Base, with diagnostics attached only when requested.
type ReconcileResponse struct {
	RunID       uuid.UUID    `json:"run_id"`
	Reconciled  [][]float64  `json:"reconciled"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

// RunStatus enumerates reconciliation run states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReconciliationRun is the persisted record of one reconciliation call.
type ReconciliationRun struct {
	ID                uuid.UUID `json:"id" db:"id"`
	HierarchyID       uuid.UUID `json:"hierarchy_id" db:"hierarchy_id"`
	Status            RunStatus `json:"status" db:"status"`
	Strategy          string    `json:"strategy" db:"strategy"`
	Covariance        string    `json:"covariance" db:"covariance"`
	NonNegativity     string    `json:"non_negativity" db:"non_negativity"`
	Converged         bool      `json:"converged" db:"converged"`
	Iterations        int       `json:"iterations" db:"iterations"`
	CoherenceResidual float64   `json:"coherence_residual" db:"coherence_residual"`
	Error             string    `json:"error,omitempty" db:"error"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	CompletedAt       time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// BaseForecast is one stored base-forecast vector for a series.
type BaseForecast struct {
	ID          uuid.UUID `json:"id" db:"id"`
	HierarchyID uuid.UUID `json:"hierarchy_id" db:"hierarchy_id"`
	SeriesIndex int       `json:"series_index" db:"series_index"`
	Values      []float64 `json:"values" db:"data"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
