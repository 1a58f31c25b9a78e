package reconcile

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// CovarianceStrategy selects how historical residuals are turned into the
// weighting matrix used by the projection engine.
type CovarianceStrategy int

const (
	// CovStructural weights by the row multiplicities implied by the
	// hierarchy. Needs no residual data and is always invertible.
	CovStructural CovarianceStrategy = iota
	// CovVariance uses per-row sample variances, zero off-diagonal.
	CovVariance
	// CovSample uses the full empirical covariance of the residual rows.
	CovSample
	// CovShrinkage blends the diagonal and sample covariance with an
	// analytically estimated intensity, approaching the diagonal as the
	// sample shrinks relative to the dimension.
	CovShrinkage
	// CovAR1 is the autocorrelation-aware weighting for temporal
	// hierarchies: an order-1 autoregressive kernel over the ordered
	// temporal aggregates, scaled by structural multiplicities.
	CovAR1
)

func (s CovarianceStrategy) String() string {
	switch s {
	case CovStructural:
		return "structural"
	case CovVariance:
		return "variance"
	case CovSample:
		return "sample"
	case CovShrinkage:
		return "shrinkage"
	case CovAR1:
		return "ar1"
	default:
		return fmt.Sprintf("covariance(%d)", int(s))
	}
}

// ParseCovarianceStrategy maps a configuration name to a strategy.
func ParseCovarianceStrategy(name string) (CovarianceStrategy, error) {
	switch name {
	case "structural":
		return CovStructural, nil
	case "variance", "diagonal":
		return CovVariance, nil
	case "sample":
		return CovSample, nil
	case "shrinkage":
		return CovShrinkage, nil
	case "ar1", "autocorrelation":
		return CovAR1, nil
	default:
		return 0, fmt.Errorf("unknown covariance strategy %q", name)
	}
}

// Covariance is an invertible weighting matrix tagged with the strategy that
// produced it. When the requested strategy could not be applied (singular
// estimate, too few observations) Applied records the fallback actually used.
type Covariance struct {
	W           *mat.SymDense
	Strategy    CovarianceStrategy
	Applied     CovarianceStrategy
	FellBack    bool
	Regularized bool
}

// Estimator turns residual matrices into weighting matrices for one fixed
// hierarchy (cross-sectional or temporal).
type Estimator struct {
	strategy  CovarianceStrategy
	n         int
	scale     []float64
	midpoints []float64 // temporal hierarchies only
}

// NewEstimator builds an estimator for a cross-sectional hierarchy. CovAR1 is
// rejected: it relies on the ordered structure of temporal aggregates.
func NewEstimator(strategy CovarianceStrategy, h *Hierarchy) (*Estimator, error) {
	if strategy == CovAR1 {
		return nil, fmt.Errorf("covariance strategy %s requires a temporal hierarchy", strategy)
	}
	return &Estimator{strategy: strategy, n: h.N(), scale: h.Multiplicities()}, nil
}

// NewTemporalEstimator builds an estimator for a temporal hierarchy.
func NewTemporalEstimator(strategy CovarianceStrategy, t *TemporalHierarchy) (*Estimator, error) {
	return &Estimator{strategy: strategy, n: t.N(), scale: t.Multiplicities(), midpoints: t.Midpoints()}, nil
}

// newFlatEstimator serves the combined cross-temporal case, where the stacked
// dimension is the product of both hierarchies and the structural scale is the
// product of the per-axis multiplicities.
func newFlatEstimator(strategy CovarianceStrategy, scale []float64) *Estimator {
	return &Estimator{strategy: strategy, n: len(scale), scale: scale}
}

// Estimate computes the weighting matrix from residuals (rows = series
// entries, columns = historical time points). residuals may be nil: the
// structural strategy never needs them, and every data-driven strategy treats
// a missing or too-short residual window as too few observations and resolves
// through its fallback chain with FellBack recorded. The returned matrix is
// guaranteed invertible; a singular raw estimate falls back the same way.
func (e *Estimator) Estimate(residuals *mat.Dense) (*Covariance, error) {
	cov := &Covariance{Strategy: e.strategy, Applied: e.strategy}

	var t int
	if residuals != nil {
		r, c := residuals.Dims()
		if r != e.n {
			return nil, &DimensionMismatchError{What: "residual matrix rows", Want: e.n, Got: r}
		}
		t = c
	}

	switch e.strategy {
	case CovStructural:
		cov.W = e.structural()
	case CovVariance:
		if t < 2 {
			e.fallback(cov, CovStructural)
			break
		}
		cov.W, cov.Regularized = e.diagonal(residuals)
	case CovSample:
		if t < e.n {
			// Fewer effective observations than dimensions: the sample
			// covariance cannot be full rank.
			if t < 2 {
				e.fallback(cov, CovStructural)
			} else {
				cov.FellBack = true
				cov.Applied = CovVariance
				cov.W, cov.Regularized = e.diagonal(residuals)
			}
			break
		}
		cov.W = e.sample(residuals)
		if !positiveDefinite(cov.W) {
			cov.FellBack = true
			cov.Applied = CovVariance
			cov.W, cov.Regularized = e.diagonal(residuals)
		}
	case CovShrinkage:
		if t < 2 {
			e.fallback(cov, CovStructural)
			break
		}
		cov.W = e.shrinkage(residuals)
		if !positiveDefinite(cov.W) {
			cov.FellBack = true
			cov.Applied = CovVariance
			cov.W, cov.Regularized = e.diagonal(residuals)
		}
	case CovAR1:
		if e.midpoints == nil {
			return nil, fmt.Errorf("covariance strategy %s requires a temporal hierarchy", e.strategy)
		}
		if t < 2 {
			e.fallback(cov, CovStructural)
			break
		}
		cov.W = e.ar1(residuals)
		if !positiveDefinite(cov.W) {
			e.fallback(cov, CovStructural)
		}
	default:
		return nil, fmt.Errorf("unknown covariance strategy %v", e.strategy)
	}

	if !positiveDefinite(cov.W) {
		return nil, &SingularCovarianceError{Strategy: cov.Applied, Dim: e.n}
	}
	return cov, nil
}

func (e *Estimator) fallback(cov *Covariance, to CovarianceStrategy) {
	cov.FellBack = true
	cov.Applied = to
	cov.W = e.structural()
}

func (e *Estimator) structural() *mat.SymDense {
	w := mat.NewSymDense(e.n, nil)
	for i := 0; i < e.n; i++ {
		w.SetSym(i, i, e.scale[i])
	}
	return w
}

// diagonal floors zero variances at a small fraction of the largest so the
// matrix stays invertible when some rows are constant. The second return
// reports whether flooring happened.
func (e *Estimator) diagonal(residuals *mat.Dense) (*mat.SymDense, bool) {
	vars := e.rowVariances(residuals)
	maxVar := 0.0
	for _, v := range vars {
		if v > maxVar {
			maxVar = v
		}
	}
	floor := 1e-12 * maxVar
	if maxVar == 0 {
		floor = 1e-12
	}
	regularized := false
	w := mat.NewSymDense(e.n, nil)
	for i, v := range vars {
		if v < floor {
			v = floor
			regularized = true
		}
		w.SetSym(i, i, v)
	}
	return w, regularized
}

func (e *Estimator) rowVariances(residuals *mat.Dense) []float64 {
	_, t := residuals.Dims()
	vars := make([]float64, e.n)
	for i := 0; i < e.n; i++ {
		row := make([]float64, t)
		mat.Row(row, i, residuals)
		vars[i] = stat.Variance(row, nil)
	}
	return vars
}

func (e *Estimator) sample(residuals *mat.Dense) *mat.SymDense {
	_, t := residuals.Dims()
	obs := mat.NewDense(t, e.n, nil)
	obs.Copy(residuals.T())
	w := mat.NewSymDense(e.n, nil)
	stat.CovarianceMatrix(w, obs, nil)
	return w
}

// shrinkage implements the Schafer-Strimmer analytic intensity: correlations
// are shrunk toward zero by lambda estimated from the sampling variance of the
// correlation coefficients, then rescaled by the sample standard deviations.
// lambda goes to 1 (fully diagonal) as the sample shrinks relative to the
// dimension.
func (e *Estimator) shrinkage(residuals *mat.Dense) *mat.SymDense {
	n := e.n
	_, t := residuals.Dims()

	means := make([]float64, n)
	sds := make([]float64, n)
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, t)
		mat.Row(row, i, residuals)
		rows[i] = row
		means[i] = stat.Mean(row, nil)
		sds[i] = math.Sqrt(stat.Variance(row, nil))
	}

	// Standardized residuals; constant rows standardize to zero.
	x := make([][]float64, n)
	for i := 0; i < n; i++ {
		x[i] = make([]float64, t)
		if sds[i] == 0 {
			continue
		}
		for j := 0; j < t; j++ {
			x[i][j] = (rows[i][j] - means[i]) / sds[i]
		}
	}

	tf := float64(t)
	var sumVar, sumSq float64
	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		corr.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			var wBar float64
			for k := 0; k < t; k++ {
				wBar += x[i][k] * x[j][k]
			}
			wBar /= tf
			var wVar float64
			for k := 0; k < t; k++ {
				d := x[i][k]*x[j][k] - wBar
				wVar += d * d
			}
			rij := wBar * tf / (tf - 1)
			corr.SetSym(i, j, rij)
			sumVar += tf / ((tf - 1) * (tf - 1) * (tf - 1)) * wVar
			sumSq += rij * rij
		}
	}

	lambda := 1.0
	if sumSq > 0 {
		lambda = sumVar / sumSq
	}
	if lambda < 0 {
		lambda = 0
	}
	if lambda > 1 {
		lambda = 1
	}

	diag, _ := e.diagonal(residuals)
	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		w.SetSym(i, i, diag.At(i, i))
		si := math.Sqrt(diag.At(i, i))
		for j := i + 1; j < n; j++ {
			sj := math.Sqrt(diag.At(j, j))
			w.SetSym(i, j, (1-lambda)*corr.At(i, j)*si*sj)
		}
	}
	return w
}

// ar1 builds W_ij = sqrt(k_i k_j) * rho^|mid_i - mid_j| where rho is the
// pooled lag-1 autocorrelation of the highest-frequency residual rows and the
// midpoint distance is measured in highest-frequency periods. No covariance is
// estimated across unrelated series.
func (e *Estimator) ar1(residuals *mat.Dense) *mat.SymDense {
	_, t := residuals.Dims()

	// Pool rho over the highest-frequency rows (multiplicity 1).
	var num, den float64
	for i := 0; i < e.n; i++ {
		if e.scale[i] != 1 {
			continue
		}
		row := make([]float64, t)
		mat.Row(row, i, residuals)
		m := stat.Mean(row, nil)
		for j := 0; j+1 < t; j++ {
			num += (row[j] - m) * (row[j+1] - m)
		}
		for j := 0; j < t; j++ {
			den += (row[j] - m) * (row[j] - m)
		}
	}
	rho := 0.0
	if den > 0 {
		rho = num / den
	}
	// The exponential kernel needs a base in [0, 1); negative pooled
	// estimates collapse to the structural diagonal.
	if rho < 0 {
		rho = 0
	}
	if rho > 0.99 {
		rho = 0.99
	}

	w := mat.NewSymDense(e.n, nil)
	for i := 0; i < e.n; i++ {
		for j := i; j < e.n; j++ {
			d := math.Abs(e.midpoints[i] - e.midpoints[j])
			v := math.Sqrt(e.scale[i]*e.scale[j]) * math.Pow(rho, d)
			w.SetSym(i, j, v)
		}
	}
	return w
}

func positiveDefinite(w *mat.SymDense) bool {
	if w == nil {
		return false
	}
	var ch mat.Cholesky
	return ch.Factorize(w)
}
