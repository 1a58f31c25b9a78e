package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func identityWeights(n int) *mat.SymDense {
	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		w.SetSym(i, i, 1)
	}
	return w
}

func TestProjectNonNegativeExact(t *testing.T) {
	h := testHierarchy(t)
	w := identityWeights(3)

	// Under the identity metric the optimum of min ‖z−y‖² with
	// z0 = z1 + z2 and z ≥ 0 for y = (2, 3, −2) is (2.5, 2.5, 0).
	res, err := ProjectNonNegative([]float64{2, 3, -2}, h.U(), w, DefaultSolverSettings())
	require.NoError(t, err)

	assert.Equal(t, SolverConverged, res.Status)
	assert.Greater(t, res.Iterations, 0)
	assert.InDelta(t, 2.5, res.Projected[0], 1e-6)
	assert.InDelta(t, 2.5, res.Projected[1], 1e-6)
	assert.InDelta(t, 0.0, res.Projected[2], 1e-6)
	for i, v := range res.Projected {
		assert.GreaterOrEqual(t, v, 0.0, "component %d is negative", i)
	}
	assert.Less(t, coherence(h, res.Projected), 1e-8)
}

func TestProjectNonNegativeAlreadyFeasible(t *testing.T) {
	h := testHierarchy(t)
	w := identityWeights(3)

	res, err := ProjectNonNegative([]float64{11, 4, 7}, h.U(), w, DefaultSolverSettings())
	require.NoError(t, err)
	assert.Equal(t, SolverConverged, res.Status)
	for i := range res.Projected {
		assert.InDelta(t, []float64{11, 4, 7}[i], res.Projected[i], 1e-6)
	}
}

func TestProjectNonNegativeWeighted(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovStructural, h)
	require.NoError(t, err)
	cov, err := est.Estimate(nil)
	require.NoError(t, err)

	res, err := ProjectNonNegative([]float64{3, 5, -4}, h.U(), cov.W, DefaultSolverSettings())
	require.NoError(t, err)
	assert.Equal(t, SolverConverged, res.Status)
	for i, v := range res.Projected {
		assert.GreaterOrEqual(t, v, 0.0, "component %d is negative", i)
	}
	assert.Less(t, coherence(h, res.Projected), 1e-8)
}

func TestProjectNonNegativeBudgetExhaustion(t *testing.T) {
	h := testHierarchy(t)
	settings := DefaultSolverSettings()
	settings.MaxIterations = 1

	// Exhausting the budget is reported, not fatal.
	res, err := ProjectNonNegative([]float64{2, 3, -2}, h.U(), identityWeights(3), settings)
	require.NoError(t, err)
	assert.Equal(t, SolverMaxIterations, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.NotNil(t, res.Projected)
	assert.Greater(t, res.AchievedTolerance, settings.Tolerance)
}

func TestProjectNonNegativePolishToggle(t *testing.T) {
	h := testHierarchy(t)
	noPolish := DefaultSolverSettings()
	noPolish.Polish = false

	a, err := ProjectNonNegative([]float64{2, 3, -2}, h.U(), identityWeights(3), DefaultSolverSettings())
	require.NoError(t, err)
	b, err := ProjectNonNegative([]float64{2, 3, -2}, h.U(), identityWeights(3), noPolish)
	require.NoError(t, err)

	for i := range a.Projected {
		assert.InDelta(t, a.Projected[i], b.Projected[i], 1e-6)
	}
	// The polished active set is exactly zero, not merely near it.
	assert.Equal(t, 0.0, a.Projected[2])
}

func TestComposerClipAndRebuild(t *testing.T) {
	c := testComposer(t)
	base := mat.NewDense(3, 3, []float64{
		21, 9, 10,
		9, 5, -2,
		11, 5, 6,
	})

	out, err := c.ClipAndRebuild(base)
	require.NoError(t, err)

	r, cols := out.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < cols; j++ {
			assert.GreaterOrEqual(t, out.At(i, j), 0.0)
		}
	}
	assert.Less(t, c.coherenceResidual(out), 1e-12)

	// The heuristic equals the bottom-up recomputation from the clipped
	// bottom block exactly.
	clipped := mat.NewDense(2, 2, []float64{5, 0, 5, 6})
	want, err := c.buildFromBottom(clipped)
	require.NoError(t, err)
	assert.InDelta(t, 0, maxAbsDiff(out, want), 0)
}

func TestComposerNonNegativeExact(t *testing.T) {
	c := testComposer(t)
	base := mat.NewDense(3, 3, []float64{
		21, 9, 10,
		9, 5, -2,
		11, 5, 6,
	})
	w := Weights{CrossSectional: identityWeights(3), Temporal: identityWeights(3)}

	out, res, err := c.NonNegative(base, w, DefaultSolverSettings())
	require.NoError(t, err)
	assert.Equal(t, SolverConverged, res.Status)

	r, cols := out.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < cols; j++ {
			assert.GreaterOrEqual(t, out.At(i, j), 0.0)
		}
	}
	assert.Less(t, c.coherenceResidual(out), 1e-6)
}

func TestHierarchyClipAndRebuild(t *testing.T) {
	h := testHierarchy(t)
	x := mat.NewDense(3, 2, []float64{
		10, 8,
		4, -3,
		7, 6,
	})
	out, err := h.ClipAndRebuild(x)
	require.NoError(t, err)
	assert.InDelta(t, 11, out.At(0, 0), 1e-12)
	assert.InDelta(t, 6, out.At(0, 1), 1e-12)
	assert.InDelta(t, 0, out.At(1, 1), 1e-12)
	assert.InDelta(t, 0, h.CoherenceResidual(out), 1e-12)
}

func TestTemporalClipAndRebuild(t *testing.T) {
	th, err := NewTemporalHierarchy(2, 1, nil)
	require.NoError(t, err)
	out, err := th.ClipAndRebuild([]float64{5, -1, 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 0, 4}, out)
}

func TestParseNonNegStrategy(t *testing.T) {
	for name, want := range map[string]NonNegStrategy{
		"none":      NonNegNone,
		"":          NonNegNone,
		"exact":     NonNegExact,
		"qp":        NonNegExact,
		"heuristic": NonNegHeuristic,
		"clip":      NonNegHeuristic,
	} {
		got, err := ParseNonNegStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseNonNegStrategy("bogus")
	assert.Error(t, err)
}

func coherence(h *Hierarchy, y []float64) float64 {
	m := mat.NewDense(len(y), 1, nil)
	for i, v := range y {
		m.Set(i, 0, v)
	}
	return h.CoherenceResidual(m)
}
