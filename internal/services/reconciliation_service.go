package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/renewcast/coherent-go/internal/cache"
	"github.com/renewcast/coherent-go/internal/config"
	"github.com/renewcast/coherent-go/internal/database"
	"github.com/renewcast/coherent-go/internal/models"
	"github.com/renewcast/coherent-go/internal/reconcile"
	"github.com/renewcast/coherent-go/internal/telemetry"
)

// ReconciliationService orchestrates one reconciliation call: it resolves the
// hierarchy, estimates weighting matrices, runs the composition strategy and
// the optional non-negativity stage, and records the run. The repository and
// covariance cache are optional; without them the service is purely
// computational.
type ReconciliationService struct {
	cfg      config.ReconcileConfig
	repo     *database.ForecastRepository
	covCache *cache.RedisCovarianceCache
	pool     *WorkerPool
	logger   *slog.Logger
}

// NewReconciliationService wires the service. repo, covCache and pool may be
// nil; without a pool the per-step projections run sequentially.
func NewReconciliationService(cfg config.ReconcileConfig, repo *database.ForecastRepository, covCache *cache.RedisCovarianceCache, pool *WorkerPool, logger *slog.Logger) *ReconciliationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationService{cfg: cfg, repo: repo, covCache: covCache, pool: pool, logger: logger}
}

// forEachStep runs fn for every forecast step, in parallel when a pool is
// configured. Steps touch disjoint columns, so no locking is needed.
func (s *ReconciliationService) forEachStep(ctx context.Context, steps int, fn func(t int) error) error {
	if s.pool == nil {
		for t := 0; t < steps; t++ {
			if err := fn(t); err != nil {
				return err
			}
		}
		return nil
	}
	tasks := make([]Task, steps)
	for t := 0; t < steps; t++ {
		t := t
		tasks[t] = func(context.Context) error { return fn(t) }
	}
	return s.pool.SubmitAll(ctx, tasks)
}

// Reconcile executes a reconciliation request end to end.
func (s *ReconciliationService) Reconcile(ctx context.Context, req *models.ReconcileRequest) (*models.ReconcileResponse, error) {
	start := time.Now()
	ctx, span := telemetry.GetReconcileTracer().Start(ctx, "reconcile",
		trace.WithAttributes(attribute.String("hierarchy_id", req.HierarchyID.String())),
	)
	defer span.End()

	opts := s.resolveOptions(req.Options)
	covStrategy, err := reconcile.ParseCovarianceStrategy(opts.CovarianceStrategy)
	if err != nil {
		return nil, err
	}
	compStrategy, err := reconcile.ParseCompositionStrategy(opts.CompositionStrategy)
	if err != nil {
		return nil, err
	}
	nonNeg, err := reconcile.ParseNonNegStrategy(opts.NonNegativity)
	if err != nil {
		return nil, err
	}

	hierarchy, err := s.resolveHierarchy(ctx, req)
	if err != nil {
		return nil, err
	}

	base, err := denseFromRows(req.Base, hierarchy.N(), "base forecast")
	if err != nil {
		return nil, err
	}

	var residuals *mat.Dense
	if len(req.Residuals) > 0 {
		residuals, err = denseFromRows(req.Residuals, hierarchy.N(), "residual")
		if err != nil {
			return nil, err
		}
	}

	runID := uuid.New()
	run := &models.ReconciliationRun{
		ID:            runID,
		HierarchyID:   req.HierarchyID,
		Status:        models.RunPending,
		Strategy:      compStrategy.String(),
		Covariance:    covStrategy.String(),
		NonNegativity: nonNeg.String(),
	}
	if s.repo != nil {
		if err := s.repo.CreateRun(ctx, run); err != nil {
			s.logger.Warn("failed to record run, continuing", "error", err)
		} else {
			runID = run.ID
		}
	}

	logger := s.logger.With("run_id", runID.String(), "strategy", compStrategy.String())

	out, diags, err := s.execute(ctx, hierarchy, req, base, residuals, covStrategy, compStrategy, nonNeg, opts)
	if err != nil {
		span.RecordError(err)
		s.finishRun(ctx, run, nil, err)
		return nil, err
	}
	diags.DurationMS = time.Since(start).Milliseconds()

	s.finishRun(ctx, run, diags, nil)

	logger.Info("reconciliation complete",
		"converged", diags.Converged,
		"iterations", diags.Iterations,
		"coherence_residual", diags.CoherenceResidual,
		"duration_ms", diags.DurationMS)

	resp := &models.ReconcileResponse{
		RunID:      runID,
		Reconciled: rowsFromDense(out),
	}
	if opts.IncludeDiagnostics {
		resp.Diagnostics = diags
	}
	return resp, nil
}

// GetRun looks up a stored run record.
func (s *ReconciliationService) GetRun(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	if s.repo == nil {
		return nil, database.ErrNotFound
	}
	return s.repo.GetRun(ctx, id)
}

func (s *ReconciliationService) resolveOptions(opts models.ReconcileOptions) models.ReconcileOptions {
	if opts.CovarianceStrategy == "" {
		opts.CovarianceStrategy = s.cfg.CovarianceStrategy
	}
	if opts.CompositionStrategy == "" {
		opts.CompositionStrategy = s.cfg.CompositionStrategy
	}
	if opts.NonNegativity == "" {
		opts.NonNegativity = s.cfg.NonNegativity
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = s.cfg.MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = s.cfg.Tolerance
	}
	return opts
}

func (s *ReconciliationService) resolveHierarchy(ctx context.Context, req *models.ReconcileRequest) (*reconcile.Hierarchy, error) {
	spec := req.Hierarchy
	if spec == nil {
		if req.HierarchyID == uuid.Nil {
			return nil, fmt.Errorf("request carries neither an inline hierarchy nor a hierarchy id")
		}
		if s.repo == nil {
			return nil, fmt.Errorf("hierarchy %s requested but no repository configured", req.HierarchyID)
		}
		stored, err := s.repo.GetHierarchy(ctx, req.HierarchyID)
		if err != nil {
			return nil, err
		}
		spec = stored
	}
	return BuildHierarchy(spec)
}

// BuildHierarchy turns an aggregation-matrix payload into a validated
// hierarchy.
func BuildHierarchy(spec *models.HierarchySpec) (*reconcile.Hierarchy, error) {
	rows := len(spec.Aggregation)
	if rows == 0 {
		return nil, fmt.Errorf("aggregation matrix has no rows")
	}
	cols := len(spec.Aggregation[0])
	c := mat.NewDense(rows, cols, nil)
	for i, row := range spec.Aggregation {
		if len(row) != cols {
			return nil, fmt.Errorf("aggregation matrix row %d has %d entries, want %d", i, len(row), cols)
		}
		for j, v := range row {
			c.Set(i, j, v)
		}
	}
	return reconcile.NewHierarchy(c)
}

func (s *ReconciliationService) execute(
	ctx context.Context,
	hierarchy *reconcile.Hierarchy,
	req *models.ReconcileRequest,
	base, residuals *mat.Dense,
	covStrategy reconcile.CovarianceStrategy,
	compStrategy reconcile.CompositionStrategy,
	nonNeg reconcile.NonNegStrategy,
	opts models.ReconcileOptions,
) (*mat.Dense, *models.Diagnostics, error) {
	covCS, err := s.crossSectionalCovariance(ctx, req.HierarchyID, hierarchy, covStrategy, residuals)
	if err != nil {
		return nil, nil, err
	}

	diags := &models.Diagnostics{
		Strategy: compStrategy.String(),
		Covariance: &models.CovarianceDiagnostics{
			Requested:   covCS.Strategy.String(),
			Applied:     covCS.Applied.String(),
			FellBack:    covCS.FellBack,
			Regularized: covCS.Regularized,
		},
	}

	if req.Temporal == nil {
		out, err := s.crossSectionalOnly(ctx, hierarchy, base, covCS, req.Fixed)
		if err != nil {
			return nil, nil, err
		}
		diags.Converged = true
		diags.CoherenceResidual = hierarchy.CoherenceResidual(out)
		out, solver, err := s.nonNegativeColumns(ctx, hierarchy, out, covCS, nonNeg, opts)
		if err != nil {
			return nil, nil, err
		}
		diags.Solver = solver
		if solver != nil {
			diags.CoherenceResidual = hierarchy.CoherenceResidual(out)
		}
		return out, diags, nil
	}

	temporal, err := reconcile.NewTemporalHierarchy(req.Temporal.Frequency, req.Temporal.Horizon, req.Temporal.Orders)
	if err != nil {
		return nil, nil, err
	}

	// Data-driven estimates apply to the cross-sectional axis, where the
	// residual window lives. The temporal axis estimator sees no residuals
	// and resolves through the documented fallback chain.
	teEstimator, err := reconcile.NewTemporalEstimator(covStrategy, temporal)
	if err != nil {
		return nil, nil, err
	}
	covTE, err := teEstimator.Estimate(nil)
	if err != nil {
		return nil, nil, err
	}

	cfg := reconcile.DefaultComposerConfig()
	if opts.MaxIterations > 0 {
		cfg.MaxIterations = opts.MaxIterations
	}
	if opts.Tolerance > 0 {
		cfg.Tolerance = opts.Tolerance
	}
	composer := reconcile.NewComposer(hierarchy, temporal, cfg)

	fixed := make([]reconcile.Index, len(req.Fixed))
	for i, f := range req.Fixed {
		fixed[i] = reconcile.Index{Series: f.Series, Slot: f.Slot}
	}

	weights := reconcile.Weights{CrossSectional: covCS.W, Temporal: covTE.W}
	result, err := composer.Reconcile(compStrategy, base, weights, fixed)
	if err != nil {
		return nil, nil, err
	}

	diags.Converged = result.Converged
	diags.Iterations = result.Iterations
	diags.Delta = result.Delta
	diags.CoherenceResidual = result.CoherenceResidual

	out := result.Reconciled
	switch nonNeg {
	case reconcile.NonNegExact:
		projected, solverRes, err := composer.NonNegative(out, weights, s.solverSettings(opts))
		if err != nil {
			return nil, nil, err
		}
		out = projected
		diags.Solver = &models.SolverDiagnostics{
			Status:            solverRes.Status.String(),
			Iterations:        solverRes.Iterations,
			AchievedTolerance: solverRes.AchievedTolerance,
		}
		diags.CoherenceResidual = coherenceOf(composer, out)
	case reconcile.NonNegHeuristic:
		out, err = composer.ClipAndRebuild(out)
		if err != nil {
			return nil, nil, err
		}
		diags.CoherenceResidual = coherenceOf(composer, out)
	}
	return out, diags, nil
}

func (s *ReconciliationService) crossSectionalCovariance(ctx context.Context, hierarchyID uuid.UUID, h *reconcile.Hierarchy, strategy reconcile.CovarianceStrategy, residuals *mat.Dense) (*reconcile.Covariance, error) {
	// AR1 only applies along the temporal axis; the cross-sectional side of
	// such a request gets the variance scaling instead.
	if strategy == reconcile.CovAR1 {
		strategy = reconcile.CovVariance
	}

	cacheable := s.covCache != nil && hierarchyID != uuid.Nil
	var fingerprint string
	if cacheable {
		fingerprint = cache.ResidualFingerprint(residuals)
		if cov, ok := s.covCache.Get(ctx, hierarchyID.String(), strategy.String(), fingerprint); ok {
			return cov, nil
		}
	}

	estimator, err := reconcile.NewEstimator(strategy, h)
	if err != nil {
		return nil, err
	}
	cov, err := estimator.Estimate(residuals)
	if err != nil {
		return nil, err
	}
	if cov.FellBack {
		s.logger.Warn("covariance strategy fell back",
			"requested", cov.Strategy.String(), "applied", cov.Applied.String())
	}

	if cacheable {
		s.covCache.Set(ctx, hierarchyID.String(), strategy.String(), fingerprint, cov)
	}
	return cov, nil
}

// crossSectionalOnly reconciles each forecast step against the
// cross-sectional constraints alone.
func (s *ReconciliationService) crossSectionalOnly(ctx context.Context, h *reconcile.Hierarchy, base *mat.Dense, cov *reconcile.Covariance, fixedCells []models.FixedCell) (*mat.Dense, error) {
	n, steps := base.Dims()
	out := mat.NewDense(n, steps, nil)
	err := s.forEachStep(ctx, steps, func(t int) error {
		col := make([]float64, n)
		mat.Col(col, t, base)
		var fixed []int
		for _, f := range fixedCells {
			if f.Slot == t {
				fixed = append(fixed, f.Series)
			}
		}
		pr, err := reconcile.Project(col, h.U(), cov.W, fixed)
		if err != nil {
			return err
		}
		out.SetCol(t, pr.Reconciled)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReconciliationService) nonNegativeColumns(ctx context.Context, h *reconcile.Hierarchy, x *mat.Dense, cov *reconcile.Covariance, strategy reconcile.NonNegStrategy, opts models.ReconcileOptions) (*mat.Dense, *models.SolverDiagnostics, error) {
	switch strategy {
	case reconcile.NonNegNone:
		return x, nil, nil
	case reconcile.NonNegHeuristic:
		out, err := h.ClipAndRebuild(x)
		return out, nil, err
	}

	n, steps := x.Dims()
	out := mat.NewDense(n, steps, nil)
	results := make([]*reconcile.NonNegResult, steps)
	err := s.forEachStep(ctx, steps, func(t int) error {
		col := make([]float64, n)
		mat.Col(col, t, x)
		res, err := reconcile.ProjectNonNegative(col, h.U(), cov.W, s.solverSettings(opts))
		if err != nil {
			return err
		}
		out.SetCol(t, res.Projected)
		results[t] = res
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	worst := &models.SolverDiagnostics{Status: reconcile.SolverConverged.String()}
	for _, res := range results {
		if res.Iterations > worst.Iterations {
			worst.Iterations = res.Iterations
			worst.AchievedTolerance = res.AchievedTolerance
		}
		if res.Status != reconcile.SolverConverged {
			worst.Status = res.Status.String()
		}
	}
	return out, worst, nil
}

func (s *ReconciliationService) solverSettings(opts models.ReconcileOptions) reconcile.SolverSettings {
	settings := reconcile.DefaultSolverSettings()
	if s.cfg.Solver.MaxIterations > 0 {
		settings.MaxIterations = s.cfg.Solver.MaxIterations
	}
	if s.cfg.Solver.Tolerance > 0 {
		settings.Tolerance = s.cfg.Solver.Tolerance
	}
	settings.Polish = s.cfg.Solver.Polish
	return settings
}

func (s *ReconciliationService) finishRun(ctx context.Context, run *models.ReconciliationRun, diags *models.Diagnostics, runErr error) {
	if s.repo == nil {
		return
	}
	if runErr != nil {
		run.Status = models.RunFailed
		run.Error = runErr.Error()
	} else {
		run.Status = models.RunCompleted
		run.Converged = diags.Converged
		run.Iterations = diags.Iterations
		run.CoherenceResidual = diags.CoherenceResidual
	}
	if err := s.repo.CompleteRun(ctx, run); err != nil {
		s.logger.Warn("failed to finalize run record", "error", err)
	}
}

// coherenceOf is the max-norm violation over both axes of a cross-temporal
// matrix.
func coherenceOf(c *reconcile.Composer, x *mat.Dense) float64 {
	n, nte := x.Dims()
	max := 0.0
	col := make([]float64, n)
	for t := 0; t < nte; t++ {
		mat.Col(col, t, x)
		v := mat.NewDense(n, 1, col)
		if r := c.CrossSectional().CoherenceResidual(v); r > max {
			max = r
		}
	}
	row := make([]float64, nte)
	for i := 0; i < n; i++ {
		mat.Row(row, i, x)
		if r := c.Temporal().CoherenceResidual(row); r > max {
			max = r
		}
	}
	return max
}

func denseFromRows(rows [][]float64, wantRows int, what string) (*mat.Dense, error) {
	if len(rows) != wantRows {
		return nil, fmt.Errorf("%s matrix has %d rows, want %d", what, len(rows), wantRows)
	}
	cols := len(rows[0])
	if cols == 0 {
		return nil, fmt.Errorf("%s matrix has no columns", what)
	}
	m := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%s matrix row %d has %d entries, want %d", what, i, len(row), cols)
		}
		for j, v := range row {
			m.Set(i, j, v)
		}
	}
	return m, nil
}

func rowsFromDense(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		out[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
