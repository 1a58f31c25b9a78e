package reconcile

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NonNegStrategy selects the non-negativity post-processing stage. No
// covariance-based reconciliation guarantees non-negative output on its own;
// one of these projectors must be invoked explicitly whenever the domain
// requires it.
type NonNegStrategy int

const (
	// NonNegNone skips the projection.
	NonNegNone NonNegStrategy = iota
	// NonNegExact solves the quadratic program min ‖z−y‖²_W subject to
	// U·z = 0 and z ≥ 0 with an iterative solver.
	NonNegExact
	// NonNegHeuristic clips negative highest-frequency bottom-level values
	// to zero and rebuilds every aggregate by summation. Always available,
	// exactly coherent, but not distance-minimizing.
	NonNegHeuristic
)

func (s NonNegStrategy) String() string {
	switch s {
	case NonNegNone:
		return "none"
	case NonNegExact:
		return "exact"
	case NonNegHeuristic:
		return "heuristic"
	default:
		return fmt.Sprintf("nonneg(%d)", int(s))
	}
}

// ParseNonNegStrategy maps a configuration name to a strategy.
func ParseNonNegStrategy(name string) (NonNegStrategy, error) {
	switch name {
	case "none", "":
		return NonNegNone, nil
	case "exact", "qp":
		return NonNegExact, nil
	case "heuristic", "clip":
		return NonNegHeuristic, nil
	default:
		return 0, fmt.Errorf("unknown non-negativity strategy %q", name)
	}
}

// SolverSettings configures the exact QP projection.
type SolverSettings struct {
	// MaxIterations caps the solver; exhaustion is reported, not fatal.
	MaxIterations int
	// Tolerance is the convergence threshold on the primal and dual
	// residuals.
	Tolerance float64
	// Polish runs a numerical cleanup pass on the converged active set.
	Polish bool
	// Rho is the penalty parameter; <= 0 selects a scale-derived default.
	Rho float64
}

// DefaultSolverSettings returns the documented defaults.
func DefaultSolverSettings() SolverSettings {
	return SolverSettings{
		MaxIterations: 2000,
		Tolerance:     1e-10,
		Polish:        true,
	}
}

// SolverStatus reports how the exact projection terminated.
type SolverStatus int

const (
	// SolverConverged means both residuals fell below the tolerance.
	SolverConverged SolverStatus = iota
	// SolverMaxIterations means the iteration budget ran out; the best
	// available iterate is returned.
	SolverMaxIterations
)

func (s SolverStatus) String() string {
	if s == SolverConverged {
		return "converged"
	}
	return "max-iterations"
}

// NonNegResult carries the projected vector and solver diagnostics.
type NonNegResult struct {
	Projected         []float64
	Status            SolverStatus
	Iterations        int
	AchievedTolerance float64
}

// ProjectNonNegative computes the exact W-metric projection of y onto
// {z : U·z = 0, z ≥ 0} by operator splitting: the coherence projection and the
// orthant projection are alternated through an augmented-Lagrangian update.
// All factorizations are computed once up front; each iteration costs two
// triangular solves and a handful of mat-vecs.
func ProjectNonNegative(y []float64, u mat.Matrix, w *mat.SymDense, settings SolverSettings) (*NonNegResult, error) {
	n := len(y)
	q, uc := u.Dims()
	if uc != n {
		return nil, &DimensionMismatchError{What: "constraint matrix columns", Want: n, Got: uc}
	}
	if wn := w.SymmetricDim(); wn != n {
		return nil, &DimensionMismatchError{What: "weighting matrix dimension", Want: n, Got: wn}
	}
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = DefaultSolverSettings().MaxIterations
	}
	if settings.Tolerance <= 0 {
		settings.Tolerance = DefaultSolverSettings().Tolerance
	}
	if q == 0 {
		// No coherence constraint left; the orthant projection alone.
		out := make([]float64, n)
		for i, v := range y {
			out[i] = math.Max(v, 0)
		}
		return &NonNegResult{Projected: out, Status: SolverConverged, Iterations: 0}, nil
	}

	var chW mat.Cholesky
	if !chW.Factorize(w) {
		return nil, &SingularCovarianceError{Strategy: CovStructural, Dim: n}
	}
	var qm mat.SymDense // W⁻¹, the quadratic form of the objective
	if err := chW.InverseTo(&qm); err != nil {
		return nil, &SingularCovarianceError{Strategy: CovStructural, Dim: n}
	}

	rho := settings.Rho
	if rho <= 0 {
		tr := 0.0
		for i := 0; i < n; i++ {
			tr += qm.At(i, i)
		}
		rho = tr / float64(n)
	}

	a1 := mat.NewSymDense(n, nil)
	a1.CopySym(&qm)
	for i := 0; i < n; i++ {
		a1.SetSym(i, i, a1.At(i, i)+rho)
	}
	var chA1 mat.Cholesky
	if !chA1.Factorize(a1) {
		return nil, &SingularCovarianceError{Strategy: CovStructural, Dim: n}
	}

	// Precompute the coherence projector in the A1⁻¹ metric: z = x − Y·λ with
	// λ solving (U·Y)·λ = U·x and Y = A1⁻¹·Uᵀ.
	var ym mat.Dense
	ut := mat.DenseCopyOf(u.T())
	if err := chA1.SolveTo(&ym, ut); err != nil {
		return nil, err
	}
	var gm mat.Dense
	gm.Mul(u, &ym)
	gSolve, err := newNormalSolver(&gm)
	if err != nil {
		return nil, err
	}

	yv := mat.NewVecDense(n, y)
	var qy mat.VecDense
	qy.MulVec(&qm, yv)

	wv := make([]float64, n)
	for i, v := range y {
		wv[i] = math.Max(v, 0)
	}
	dual := make([]float64, n)
	z := make([]float64, n)

	var (
		status    = SolverMaxIterations
		iters     int
		residual  = math.Inf(1)
		rhs       = mat.NewVecDense(n, nil)
		x         = mat.NewVecDense(n, nil)
		ux        = mat.NewVecDense(q, nil)
		lam       = mat.NewVecDense(q, nil)
		ylam      mat.VecDense
		tolerance = settings.Tolerance
	)
	for iters = 1; iters <= settings.MaxIterations; iters++ {
		for i := 0; i < n; i++ {
			rhs.SetVec(i, qy.AtVec(i)+rho*(wv[i]-dual[i]))
		}
		if err := chA1.SolveVecTo(x, rhs); err != nil {
			return nil, err
		}
		ux.MulVec(u, x)
		if err := gSolve.solve(lam, ux); err != nil {
			return nil, err
		}
		ylam.MulVec(&ym, lam)
		primal := 0.0
		dualRes := 0.0
		for i := 0; i < n; i++ {
			z[i] = x.AtVec(i) - ylam.AtVec(i)
			wNew := math.Max(z[i]+dual[i], 0)
			if d := math.Abs(z[i] - wNew); d > primal {
				primal = d
			}
			if d := rho * math.Abs(wNew-wv[i]); d > dualRes {
				dualRes = d
			}
			dual[i] += z[i] - wNew
			wv[i] = wNew
		}
		residual = math.Max(primal, dualRes)
		if residual <= tolerance {
			status = SolverConverged
			break
		}
	}
	if iters > settings.MaxIterations {
		iters = settings.MaxIterations
	}

	out := make([]float64, n)
	copy(out, z)
	for i := range out {
		if out[i] < 0 {
			out[i] = 0
		}
	}

	if settings.Polish && status == SolverConverged {
		if polished, ok := polish(y, u, w, out, tolerance); ok {
			out = polished
		}
	}

	return &NonNegResult{
		Projected:         out,
		Status:            status,
		Iterations:        iters,
		AchievedTolerance: residual,
	}, nil
}

// polish re-solves the equality-constrained projection with the converged
// active set pinned to zero, removing the residual smear of the iterative
// solver. Rejected when it reintroduces negativity elsewhere.
func polish(y []float64, u mat.Matrix, w *mat.SymDense, z []float64, tol float64) ([]float64, bool) {
	n := len(y)
	q, _ := u.Dims()
	var active []int
	scale := 0.0
	for _, v := range z {
		if a := math.Abs(v); a > scale {
			scale = a
		}
	}
	activeTol := math.Max(tol*100, 1e-9*scale)
	for i, v := range z {
		if v <= activeTol {
			active = append(active, i)
		}
	}

	aug := mat.NewDense(q+len(active), n, nil)
	for r := 0; r < q; r++ {
		for j := 0; j < n; j++ {
			aug.Set(r, j, u.At(r, j))
		}
	}
	for k, idx := range active {
		aug.Set(q+k, idx, 1)
	}
	pr, err := Project(y, aug, w, nil)
	if err != nil {
		return nil, false
	}
	for _, v := range pr.Reconciled {
		if v < -activeTol {
			return nil, false
		}
	}
	out := pr.Reconciled
	// The active set is zero by constraint; make it exactly so.
	for _, idx := range active {
		out[idx] = 0
	}
	for i := range out {
		if out[i] < 0 {
			out[i] = 0
		}
	}
	return out, true
}

// normalSolver solves repeated systems against one symmetric normal matrix,
// via Cholesky when positive definite and a rank-revealing pseudo-inverse
// otherwise.
type normalSolver struct {
	ch   *mat.Cholesky
	pinv *mat.Dense
}

func newNormalSolver(g *mat.Dense) (*normalSolver, error) {
	q, _ := g.Dims()
	sym := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			sym.SetSym(i, j, 0.5*(g.At(i, j)+g.At(j, i)))
		}
	}
	var ch mat.Cholesky
	if ch.Factorize(sym) {
		return &normalSolver{ch: &ch}, nil
	}

	var svd mat.SVD
	if !svd.Factorize(g, mat.SVDThin) {
		return nil, fmt.Errorf("constraint normal matrix cannot be factorized")
	}
	values := svd.Values(nil)
	tol := 1e-12
	if len(values) > 0 && values[0] > 0 {
		tol = float64(q) * values[0] * 1e-14
	}
	var uu, vv mat.Dense
	svd.UTo(&uu)
	svd.VTo(&vv)
	inv := mat.NewDense(q, q, nil)
	scaledU := mat.NewDense(q, len(values), nil)
	for i := 0; i < q; i++ {
		for j, s := range values {
			if s > tol {
				scaledU.Set(i, j, uu.At(i, j)/s)
			}
		}
	}
	inv.Mul(&vv, scaledU.T())
	return &normalSolver{pinv: inv}, nil
}

func (s *normalSolver) solve(dst, b *mat.VecDense) error {
	if s.ch != nil {
		return s.ch.SolveVecTo(dst, b)
	}
	dst.MulVec(s.pinv, b)
	return nil
}

// ClipAndRebuild is the heuristic non-negativity projection for a
// cross-temporal matrix: negative highest-frequency bottom-level entries are
// set to zero and every aggregate on both axes is recomputed by summation.
func (c *Composer) ClipAndRebuild(x *mat.Dense) (*mat.Dense, error) {
	if err := c.checkShape(x); err != nil {
		return nil, err
	}
	na := c.cs.NAggregates()
	nb := c.cs.NBottom()
	off := c.te.NAggregates()
	hm := c.te.NBottom()

	bottom := mat.NewDense(nb, hm, nil)
	for j := 0; j < nb; j++ {
		for t := 0; t < hm; t++ {
			bottom.Set(j, t, math.Max(x.At(na+j, off+t), 0))
		}
	}
	return c.buildFromBottom(bottom)
}

// NonNegative runs the exact projection on the combined cross-temporal
// system, acting on the series-major vectorization of the forecast matrix.
func (c *Composer) NonNegative(x *mat.Dense, w Weights, settings SolverSettings) (*mat.Dense, *NonNegResult, error) {
	if err := c.checkShape(x); err != nil {
		return nil, nil, err
	}
	n := c.cs.N()
	nte := c.te.N()
	dim := n * nte

	combined := w.Combined
	if combined == nil {
		if w.CrossSectional == nil || w.Temporal == nil {
			return nil, nil, fmt.Errorf("exact non-negativity requires either a combined weighting or both per-axis weightings")
		}
		combined = kronSym(w.CrossSectional, w.Temporal)
	}
	if cd := combined.SymmetricDim(); cd != dim {
		return nil, nil, &DimensionMismatchError{What: "combined weighting dimension", Want: dim, Got: cd}
	}

	vec := make([]float64, dim)
	for i := 0; i < n; i++ {
		for t := 0; t < nte; t++ {
			vec[i*nte+t] = x.At(i, t)
		}
	}
	res, err := ProjectNonNegative(vec, c.combinedConstraints(), combined, settings)
	if err != nil {
		return nil, nil, err
	}
	out := mat.NewDense(n, nte, nil)
	for i := 0; i < n; i++ {
		for t := 0; t < nte; t++ {
			out.Set(i, t, res.Projected[i*nte+t])
		}
	}
	return out, res, nil
}

// ClipAndRebuild is the heuristic projection for a pure cross-sectional
// matrix (series x steps): bottom rows are clipped at zero and aggregates
// recomputed.
func (h *Hierarchy) ClipAndRebuild(x *mat.Dense) (*mat.Dense, error) {
	r, t := x.Dims()
	if r != h.N() {
		return nil, &DimensionMismatchError{What: "forecast matrix rows", Want: h.N(), Got: r}
	}
	bottom := mat.NewDense(h.nBottom, t, nil)
	for j := 0; j < h.nBottom; j++ {
		for c := 0; c < t; c++ {
			bottom.Set(j, c, math.Max(x.At(h.nAgg+j, c), 0))
		}
	}
	return h.BottomUp(bottom)
}

// ClipAndRebuild is the heuristic projection for a stacked temporal vector.
func (t *TemporalHierarchy) ClipAndRebuild(y []float64) ([]float64, error) {
	if len(y) != t.N() {
		return nil, &DimensionMismatchError{What: "stacked vector length", Want: t.N(), Got: len(y)}
	}
	bottom := make([]float64, t.NBottom())
	for i := range bottom {
		bottom[i] = math.Max(y[t.nAgg+i], 0)
	}
	return t.BottomUp(bottom)
}
