package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// testComposer builds a total-with-two-plants hierarchy over a 2-period
// temporal hierarchy: 3 series x 3 stacked slots (one 2h value, two hourly).
func testComposer(t *testing.T) *Composer {
	t.Helper()
	cs, err := NewHierarchy(mat.NewDense(1, 2, []float64{1, 1}))
	require.NoError(t, err)
	te, err := NewTemporalHierarchy(2, 1, nil)
	require.NoError(t, err)
	return NewComposer(cs, te, DefaultComposerConfig())
}

func testWeights(t *testing.T, c *Composer) Weights {
	t.Helper()
	csEst, err := NewEstimator(CovStructural, c.CrossSectional())
	require.NoError(t, err)
	csCov, err := csEst.Estimate(nil)
	require.NoError(t, err)
	teEst, err := NewTemporalEstimator(CovStructural, c.Temporal())
	require.NoError(t, err)
	teCov, err := teEst.Estimate(nil)
	require.NoError(t, err)
	return Weights{CrossSectional: csCov.W, Temporal: teCov.W}
}

// Incoherent on both axes: no total equals its children, no 2h value equals
// its hourly parts.
func testBase() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		21, 9, 10, // total: 2h, hour1, hour2
		9, 5, 5, // plant a
		11, 5, 6, // plant b
	})
}

func TestComposerStrategiesAreCoherent(t *testing.T) {
	strategies := []CompositionStrategy{
		CompSimultaneous,
		CompTemporalFirst,
		CompCrossFirst,
		CompIterative,
		CompBottomUp,
	}
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			c := testComposer(t)
			res, err := c.Reconcile(s, testBase(), testWeights(t, c), nil)
			require.NoError(t, err)
			assert.True(t, res.Converged)
			assert.Less(t, res.CoherenceResidual, 1e-8,
				"strategy %s left residual %g", s, res.CoherenceResidual)
		})
	}
}

func TestComposerSimultaneousMatchesKroneckerWeighting(t *testing.T) {
	c := testComposer(t)
	w := testWeights(t, c)
	wc := kronSym(w.CrossSectional, w.Temporal)

	a, err := c.Reconcile(CompSimultaneous, testBase(), w, nil)
	require.NoError(t, err)
	b, err := c.Reconcile(CompSimultaneous, testBase(), Weights{Combined: wc}, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0, maxAbsDiff(a.Reconciled, b.Reconciled), 1e-10)
}

func TestComposerSimultaneousDefaultsToStructuralWeighting(t *testing.T) {
	c := testComposer(t)

	// An empty Weights selects the combined structural weighting, which is
	// the Kronecker product of the per-axis structural forms.
	a, err := c.Reconcile(CompSimultaneous, testBase(), Weights{}, nil)
	require.NoError(t, err)
	b, err := c.Reconcile(CompSimultaneous, testBase(), testWeights(t, c), nil)
	require.NoError(t, err)

	assert.Less(t, a.CoherenceResidual, 1e-8)
	assert.InDelta(t, 0, maxAbsDiff(a.Reconciled, b.Reconciled), 1e-10)
}

func TestComposerIdempotence(t *testing.T) {
	c := testComposer(t)
	w := testWeights(t, c)

	first, err := c.Reconcile(CompSimultaneous, testBase(), w, nil)
	require.NoError(t, err)
	second, err := c.Reconcile(CompSimultaneous, first.Reconciled, w, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0, maxAbsDiff(first.Reconciled, second.Reconciled), 1e-9)
}

func TestComposerFixedEntry(t *testing.T) {
	c := testComposer(t)
	w := testWeights(t, c)
	base := testBase()

	fixed := []Index{{Series: 0, Slot: 0}} // pin the total's 2h forecast
	res, err := c.Reconcile(CompSimultaneous, base, w, fixed)
	require.NoError(t, err)
	assert.Equal(t, base.At(0, 0), res.Reconciled.At(0, 0))
	assert.Less(t, res.CoherenceResidual, 1e-8)
}

func TestComposerIterativeObserver(t *testing.T) {
	cs, err := NewHierarchy(mat.NewDense(1, 2, []float64{1, 1}))
	require.NoError(t, err)
	te, err := NewTemporalHierarchy(2, 1, nil)
	require.NoError(t, err)

	var calls int
	cfg := DefaultComposerConfig()
	cfg.Observer = func(iteration int, delta float64) {
		calls++
		assert.Equal(t, calls, iteration)
		assert.GreaterOrEqual(t, delta, 0.0)
	}
	c := NewComposer(cs, te, cfg)

	res, err := c.Reconcile(CompIterative, testBase(), testWeights(t, c), nil)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, res.Iterations, calls)
}

func TestComposerIterativeBudgetExhaustion(t *testing.T) {
	cs, err := NewHierarchy(mat.NewDense(1, 2, []float64{1, 1}))
	require.NoError(t, err)
	te, err := NewTemporalHierarchy(2, 1, nil)
	require.NoError(t, err)

	cfg := DefaultComposerConfig()
	cfg.MaxIterations = 1
	cfg.Tolerance = 1e-300 // unreachable: force the cap
	c := NewComposer(cs, te, cfg)

	res, err := c.Reconcile(CompIterative, testBase(), testWeights(t, c), nil)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.NotNil(t, res.Reconciled)
}

// Reconciling the hourly bottom series cross-sectionally and then applying
// temporal bottom-up must match the combined cross-temporal bottom-up run on
// the same raw bottom forecasts.
func TestComposerBottomUpEquivalence(t *testing.T) {
	c := testComposer(t)
	base := testBase()

	cfg := DefaultComposerConfig()
	cfg.ReconcileBottom = false
	raw := NewComposer(c.CrossSectional(), c.Temporal(), cfg)

	direct, err := raw.Reconcile(CompBottomUp, base, Weights{}, nil)
	require.NoError(t, err)

	// Manual path: take the raw hourly bottom block, aggregate
	// cross-sectionally, then temporally per series.
	nb := c.CrossSectional().NBottom()
	na := c.CrossSectional().NAggregates()
	off := c.Temporal().NAggregates()
	bottom := mat.NewDense(nb, c.Temporal().NBottom(), nil)
	for j := 0; j < nb; j++ {
		for h := 0; h < c.Temporal().NBottom(); h++ {
			bottom.Set(j, h, base.At(na+j, off+h))
		}
	}
	hourly, err := c.CrossSectional().BottomUp(bottom)
	require.NoError(t, err)
	want := mat.NewDense(c.CrossSectional().N(), c.Temporal().N(), nil)
	row := make([]float64, c.Temporal().NBottom())
	for i := 0; i < c.CrossSectional().N(); i++ {
		mat.Row(row, i, hourly)
		full, err := c.Temporal().BottomUp(row)
		require.NoError(t, err)
		want.SetRow(i, full)
	}

	assert.InDelta(t, 0, maxAbsDiff(direct.Reconciled, want), 1e-9)
}

func TestComposerSubsetOfOrders(t *testing.T) {
	// With K = {m, 1} only the top and bottom orders are tied together; the
	// stacked vector simply has no intermediate orders to constrain.
	cs, err := NewHierarchy(mat.NewDense(1, 2, []float64{1, 1}))
	require.NoError(t, err)
	te, err := NewTemporalHierarchy(4, 1, []int{4, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1}, te.Orders())
	assert.Equal(t, 5, te.N())

	c := NewComposer(cs, te, DefaultComposerConfig())
	base := mat.NewDense(3, 5, []float64{
		21, 5, 5, 5, 5,
		9, 2, 2, 2, 2,
		11, 3, 3, 3, 3,
	})
	res, err := c.Reconcile(CompSimultaneous, base, testWeights(t, c), nil)
	require.NoError(t, err)
	assert.Less(t, res.CoherenceResidual, 1e-8)
}

func TestComposerShapeChecks(t *testing.T) {
	c := testComposer(t)
	_, err := c.Reconcile(CompSimultaneous, mat.NewDense(2, 3, nil), testWeights(t, c), nil)
	var dm *DimensionMismatchError
	assert.ErrorAs(t, err, &dm)

	_, err = c.Reconcile(CompSimultaneous, mat.NewDense(3, 2, nil), testWeights(t, c), nil)
	assert.ErrorAs(t, err, &dm)
}

func TestParseCompositionStrategy(t *testing.T) {
	for name, want := range map[string]CompositionStrategy{
		"simultaneous":        CompSimultaneous,
		"optimal":             CompSimultaneous,
		"temporal-then-cross": CompTemporalFirst,
		"cross-then-temporal": CompCrossFirst,
		"iterative":           CompIterative,
		"bottom-up":           CompBottomUp,
	} {
		got, err := ParseCompositionStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompositionStrategy("bogus")
	assert.Error(t, err)
}
