package reconcile

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Factorization names the solver used for the constraint normal system.
const (
	FactorizationCholesky      = "cholesky"
	FactorizationPseudoInverse = "pseudoinverse"
)

// feasibilityTol bounds the relative residual allowed on a constraint whose
// support is entirely fixed.
const feasibilityTol = 1e-8

// ProjectionResult carries a reconciled vector together with solve
// diagnostics.
type ProjectionResult struct {
	Reconciled        []float64
	Factorization     string
	CoherenceResidual float64
}

// Project computes the equality-constrained GLS projection of y onto
// {z : U·z = 0} under metric W:
//
//	y* = y − W·Uᵀ·(U·W·Uᵀ)⁻¹·U·y
//
// The normal system U·W·Uᵀ has the dimension of the constraint count and is
// factorized by Cholesky, falling back to an SVD-based pseudo-inverse when it
// is not positive definite. U itself is never inverted.
//
// Indices in fixed are held exactly at their base value: the optimization is
// augmented with unit-row equality constraints for those coordinates. Fixed
// values that contradict the coherence relation yield
// InfeasibleConstraintsError. The same routine serves cross-sectional,
// temporal and combined cross-temporal reconciliation; only U, W and the
// vectorization of y differ.
func Project(y []float64, u mat.Matrix, w *mat.SymDense, fixed []int) (*ProjectionResult, error) {
	n := len(y)
	q, uc := u.Dims()
	if uc != n {
		return nil, &DimensionMismatchError{What: "constraint matrix columns", Want: n, Got: uc}
	}
	if wn := w.SymmetricDim(); wn != n {
		return nil, &DimensionMismatchError{What: "weighting matrix dimension", Want: n, Got: wn}
	}

	fixed = normalizeFixed(fixed)
	for _, i := range fixed {
		if i < 0 || i >= n {
			return nil, &DimensionMismatchError{What: "fixed index", Want: n, Got: i}
		}
	}
	if err := checkFeasibility(y, u, fixed); err != nil {
		return nil, err
	}

	if q == 0 && len(fixed) == 0 {
		out := make([]float64, n)
		copy(out, y)
		return &ProjectionResult{Reconciled: out, Factorization: FactorizationCholesky}, nil
	}

	// Augmented constraint matrix G = [U; e_i for i in fixed]. The right-hand
	// side G·y − d reduces to [U·y; 0] because the fixed targets are the base
	// values themselves.
	qa := q + len(fixed)
	g := mat.NewDense(qa, n, nil)
	for i := 0; i < q; i++ {
		for j := 0; j < n; j++ {
			g.Set(i, j, u.At(i, j))
		}
	}
	for k, idx := range fixed {
		g.Set(q+k, idx, 1)
	}

	yv := mat.NewVecDense(n, y)
	rhs := mat.NewVecDense(qa, nil)
	rhs.MulVec(g, yv)
	for k := 0; k < len(fixed); k++ {
		rhs.SetVec(q+k, 0)
	}

	var b mat.Dense // W·Gᵀ, n x qa
	b.Mul(w, g.T())
	var a mat.Dense // G·W·Gᵀ, qa x qa
	a.Mul(g, &b)

	x := mat.NewVecDense(qa, nil)
	factorization, err := solveNormal(&a, rhs, x)
	if err != nil {
		return nil, err
	}

	var corr mat.VecDense
	corr.MulVec(&b, x)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = y[i] - corr.AtVec(i)
	}
	// Fixed coordinates equal their base value exactly, not merely within the
	// solver tolerance.
	for _, i := range fixed {
		out[i] = y[i]
	}

	res := 0.0
	if q > 0 {
		outv := mat.NewVecDense(n, out)
		var uy mat.VecDense
		uy.MulVec(u, outv)
		for i := 0; i < q; i++ {
			if v := math.Abs(uy.AtVec(i)); v > res {
				res = v
			}
		}
	}

	return &ProjectionResult{
		Reconciled:        out,
		Factorization:     factorization,
		CoherenceResidual: res,
	}, nil
}

// solveNormal solves A·x = rhs for the symmetric normal matrix A, preferring
// Cholesky and degrading to a rank-revealing SVD pseudo-inverse.
func solveNormal(a *mat.Dense, rhs, x *mat.VecDense) (string, error) {
	qa, _ := a.Dims()
	sym := mat.NewSymDense(qa, nil)
	for i := 0; i < qa; i++ {
		for j := i; j < qa; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}

	var ch mat.Cholesky
	if ch.Factorize(sym) {
		if err := ch.SolveVecTo(x, rhs); err == nil {
			return FactorizationCholesky, nil
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return "", &SingularCovarianceError{Strategy: CovStructural, Dim: qa}
	}
	values := svd.Values(nil)
	tol := 1e-12
	if len(values) > 0 && values[0] > 0 {
		tol = float64(qa) * values[0] * 1e-14
	}

	var uu, vv mat.Dense
	svd.UTo(&uu)
	svd.VTo(&vv)

	// x = V·diag(1/s)·Uᵀ·rhs restricted to the numerical rank.
	var utr mat.VecDense
	utr.MulVec(uu.T(), rhs)
	scaled := mat.NewVecDense(len(values), nil)
	for i, s := range values {
		if s > tol {
			scaled.SetVec(i, utr.AtVec(i)/s)
		}
	}
	x.MulVec(&vv, scaled)
	return FactorizationPseudoInverse, nil
}

// checkFeasibility rejects fixed-value sets that already violate a constraint
// all of whose support is fixed. Such a violation cannot be repaired by the
// projection and would otherwise surface as silent incoherence.
func checkFeasibility(y []float64, u mat.Matrix, fixed []int) error {
	if len(fixed) == 0 {
		return nil
	}
	isFixed := make(map[int]bool, len(fixed))
	for _, i := range fixed {
		isFixed[i] = true
	}
	q, n := u.Dims()
	for r := 0; r < q; r++ {
		allFixed := true
		residual := 0.0
		scale := 0.0
		for j := 0; j < n; j++ {
			v := u.At(r, j)
			if v == 0 {
				continue
			}
			if !isFixed[j] {
				allFixed = false
				break
			}
			residual += v * y[j]
			scale += math.Abs(v * y[j])
		}
		if allFixed && math.Abs(residual) > feasibilityTol*(1+scale) {
			return &InfeasibleConstraintsError{Constraint: r, Residual: residual}
		}
	}
	return nil
}

func normalizeFixed(fixed []int) []int {
	if len(fixed) == 0 {
		return nil
	}
	out := make([]int, 0, len(fixed))
	seen := make(map[int]bool, len(fixed))
	for _, i := range fixed {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}
