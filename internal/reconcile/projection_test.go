package reconcile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// The worked scenario: one total with two children, base total=10, children
// 4 and 7 (discrepancy -1), structural weighting diag(2,1,1). The projection
// splits the discrepancy proportionally to the structural weights.
func TestProjectWorkedScenario(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovStructural, h)
	require.NoError(t, err)
	cov, err := est.Estimate(nil)
	require.NoError(t, err)

	y := []float64{10, 4, 7}
	pr, err := Project(y, h.U(), cov.W, nil)
	require.NoError(t, err)

	assert.Equal(t, FactorizationCholesky, pr.Factorization)
	assert.InDelta(t, 10.5, pr.Reconciled[0], 1e-10)
	assert.InDelta(t, 3.75, pr.Reconciled[1], 1e-10)
	assert.InDelta(t, 6.75, pr.Reconciled[2], 1e-10)
	// Coherent: total equals the sum of the children.
	assert.InDelta(t, pr.Reconciled[0], pr.Reconciled[1]+pr.Reconciled[2], 1e-10)
	assert.Less(t, pr.CoherenceResidual, 1e-8)
}

func TestProjectIdempotence(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovStructural, h)
	require.NoError(t, err)
	cov, err := est.Estimate(nil)
	require.NoError(t, err)

	coherent := []float64{11, 4, 7}
	pr, err := Project(coherent, h.U(), cov.W, nil)
	require.NoError(t, err)
	for i := range coherent {
		assert.InDelta(t, coherent[i], pr.Reconciled[i], 1e-10)
	}
}

func TestProjectFixedValues(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovStructural, h)
	require.NoError(t, err)
	cov, err := est.Estimate(nil)
	require.NoError(t, err)

	y := []float64{10, 4, 7}
	pr, err := Project(y, h.U(), cov.W, []int{0})
	require.NoError(t, err)

	// The fixed total keeps its base value exactly, and the children absorb
	// the whole discrepancy while restoring coherence.
	assert.Equal(t, 10.0, pr.Reconciled[0])
	assert.InDelta(t, 10.0, pr.Reconciled[1]+pr.Reconciled[2], 1e-9)
	assert.Less(t, pr.CoherenceResidual, 1e-8)
}

func TestProjectInfeasibleFixed(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovStructural, h)
	require.NoError(t, err)
	cov, err := est.Estimate(nil)
	require.NoError(t, err)

	// All indices of the only constraint fixed with incompatible values.
	_, err = Project([]float64{10, 4, 7}, h.U(), cov.W, []int{0, 1, 2})
	var inf *InfeasibleConstraintsError
	require.ErrorAs(t, err, &inf)
	assert.Equal(t, 0, inf.Constraint)

	// Compatible fixed values are fine.
	pr, err := Project([]float64{11, 4, 7}, h.U(), cov.W, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 4, 7}, pr.Reconciled)
}

func TestProjectTemporal(t *testing.T) {
	th, err := NewTemporalHierarchy(4, 1, nil)
	require.NoError(t, err)
	est, err := NewTemporalEstimator(CovStructural, th)
	require.NoError(t, err)
	cov, err := est.Estimate(nil)
	require.NoError(t, err)

	// Deliberately incoherent stacked vector: quad=12, pairs 4 and 5,
	// hourly 1,2,3,4.
	y := []float64{12, 4, 5, 1, 2, 3, 4}
	pr, err := Project(y, th.Z(), cov.W, nil)
	require.NoError(t, err)
	assert.Less(t, th.CoherenceResidual(pr.Reconciled), 1e-8)
}

func TestProjectSampleWeighting(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovSample, h)
	require.NoError(t, err)
	cov, err := est.Estimate(randomResiduals(3, 100, 7))
	require.NoError(t, err)

	pr, err := Project([]float64{10, 4, 7}, h.U(), cov.W, nil)
	require.NoError(t, err)
	assert.Less(t, pr.CoherenceResidual, 1e-8)
}

func TestProjectPseudoInverseFallback(t *testing.T) {
	// Duplicated constraint rows make U·W·Uᵀ singular; the projection must
	// still succeed through the pseudo-inverse path.
	u := mat.NewDense(2, 3, []float64{
		1, -1, -1,
		1, -1, -1,
	})
	w := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		w.SetSym(i, i, 1)
	}

	pr, err := Project([]float64{10, 4, 7}, u, w, nil)
	require.NoError(t, err)
	assert.Equal(t, FactorizationPseudoInverse, pr.Factorization)
	assert.InDelta(t, pr.Reconciled[0], pr.Reconciled[1]+pr.Reconciled[2], 1e-8)
}

func TestProjectDimensionChecks(t *testing.T) {
	h := testHierarchy(t)
	w := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		w.SetSym(i, i, 1)
	}

	_, err := Project([]float64{1, 2}, h.U(), w, nil)
	var dm *DimensionMismatchError
	assert.ErrorAs(t, err, &dm)

	_, err = Project([]float64{1, 2, 3}, h.U(), mat.NewSymDense(2, nil), nil)
	assert.ErrorAs(t, err, &dm)

	_, err = Project([]float64{1, 2, 3}, h.U(), w, []int{5})
	assert.ErrorAs(t, err, &dm)
}

func TestProjectScaleInvariantCoherence(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovStructural, h)
	require.NoError(t, err)
	cov, err := est.Estimate(nil)
	require.NoError(t, err)

	for _, scale := range []float64{1e-6, 1, 1e6} {
		y := []float64{10 * scale, 4 * scale, 7 * scale}
		pr, err := Project(y, h.U(), cov.W, nil)
		require.NoError(t, err)
		assert.Less(t, pr.CoherenceResidual/math.Max(scale, 1), 1e-8)
	}
}
