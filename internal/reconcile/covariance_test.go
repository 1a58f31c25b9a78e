package reconcile

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	h, err := NewHierarchy(mat.NewDense(1, 2, []float64{1, 1}))
	require.NoError(t, err)
	return h
}

func randomResiduals(n, obs int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	r := mat.NewDense(n, obs, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < obs; j++ {
			r.Set(i, j, rng.NormFloat64())
		}
	}
	return r
}

func TestStructuralEstimate(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovStructural, h)
	require.NoError(t, err)

	cov, err := est.Estimate(nil)
	require.NoError(t, err)
	assert.Equal(t, CovStructural, cov.Applied)
	assert.False(t, cov.FellBack)
	assert.InDelta(t, 2, cov.W.At(0, 0), 1e-12)
	assert.InDelta(t, 1, cov.W.At(1, 1), 1e-12)
	assert.InDelta(t, 0, cov.W.At(0, 1), 1e-12)
}

func TestVarianceEstimate(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovVariance, h)
	require.NoError(t, err)

	res := mat.NewDense(3, 4, []float64{
		1, -1, 1, -1,
		2, -2, 2, -2,
		0.5, -0.5, 0.5, -0.5,
	})
	cov, err := est.Estimate(res)
	require.NoError(t, err)
	assert.False(t, cov.FellBack)
	assert.Greater(t, cov.W.At(1, 1), cov.W.At(2, 2))
	assert.Equal(t, 0.0, cov.W.At(0, 1))
}

func TestVarianceFloorsConstantRows(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovVariance, h)
	require.NoError(t, err)

	res := mat.NewDense(3, 4, []float64{
		1, -1, 1, -1,
		3, 3, 3, 3, // constant: zero variance
		0.5, -0.5, 0.5, -0.5,
	})
	cov, err := est.Estimate(res)
	require.NoError(t, err)
	assert.True(t, cov.Regularized)
	assert.Greater(t, cov.W.At(1, 1), 0.0)
}

func TestSampleEstimate(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovSample, h)
	require.NoError(t, err)

	cov, err := est.Estimate(randomResiduals(3, 200, 1))
	require.NoError(t, err)
	assert.False(t, cov.FellBack)
	assert.Equal(t, CovSample, cov.Applied)
	assert.True(t, positiveDefinite(cov.W))
}

func TestSampleFallsBackWhenShortOnObservations(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovSample, h)
	require.NoError(t, err)

	cov, err := est.Estimate(randomResiduals(3, 2, 2))
	require.NoError(t, err)
	assert.True(t, cov.FellBack)
	assert.Equal(t, CovSample, cov.Strategy)
	assert.Equal(t, CovVariance, cov.Applied)
	assert.True(t, positiveDefinite(cov.W))
}

func TestShrinkageEstimate(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovShrinkage, h)
	require.NoError(t, err)

	// Short sample relative to dimension: the estimate must still be
	// invertible because the intensity leans toward the diagonal.
	cov, err := est.Estimate(randomResiduals(3, 5, 3))
	require.NoError(t, err)
	assert.True(t, positiveDefinite(cov.W))

	// Off-diagonals are shrunk relative to the raw sample covariance.
	sampleEst, err := NewEstimator(CovSample, h)
	require.NoError(t, err)
	res := randomResiduals(3, 500, 4)
	sample, err := sampleEst.Estimate(res)
	require.NoError(t, err)
	shrunk, err := est.Estimate(res)
	require.NoError(t, err)
	assert.LessOrEqual(t, absf(shrunk.W.At(0, 1)), absf(sample.W.At(0, 1))+1e-12)
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func TestAR1Estimate(t *testing.T) {
	th, err := NewTemporalHierarchy(4, 1, nil)
	require.NoError(t, err)
	est, err := NewTemporalEstimator(CovAR1, th)
	require.NoError(t, err)

	// Persistent residuals on the hourly rows give a positive rho.
	res := mat.NewDense(th.N(), 30, nil)
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < th.N(); i++ {
		v := 0.0
		for j := 0; j < 30; j++ {
			v = 0.7*v + rng.NormFloat64()
			res.Set(i, j, v)
		}
	}
	cov, err := est.Estimate(res)
	require.NoError(t, err)
	assert.True(t, positiveDefinite(cov.W))
	// Adjacent hourly aggregates correlate more than distant ones.
	off := th.NAggregates()
	assert.Greater(t, cov.W.At(off, off+1), cov.W.At(off, off+3))
}

func TestAR1RequiresTemporalHierarchy(t *testing.T) {
	h := testHierarchy(t)
	_, err := NewEstimator(CovAR1, h)
	assert.Error(t, err)
}

func TestDataDrivenEstimatesFallBackWithoutResiduals(t *testing.T) {
	h := testHierarchy(t)
	th, err := NewTemporalHierarchy(2, 1, nil)
	require.NoError(t, err)

	for _, strategy := range []CovarianceStrategy{CovVariance, CovSample, CovShrinkage, CovAR1} {
		t.Run(strategy.String(), func(t *testing.T) {
			var est *Estimator
			var err error
			if strategy == CovAR1 {
				est, err = NewTemporalEstimator(strategy, th)
			} else {
				est, err = NewEstimator(strategy, h)
			}
			require.NoError(t, err)

			cov, err := est.Estimate(nil)
			require.NoError(t, err)
			assert.True(t, cov.FellBack)
			assert.Equal(t, strategy, cov.Strategy)
			assert.Equal(t, CovStructural, cov.Applied)
			assert.True(t, positiveDefinite(cov.W))
		})
	}
}

func TestEstimateDimensionMismatch(t *testing.T) {
	h := testHierarchy(t)
	est, err := NewEstimator(CovVariance, h)
	require.NoError(t, err)

	_, err = est.Estimate(randomResiduals(5, 10, 6))
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Want)
	assert.Equal(t, 5, dm.Got)
}

func TestParseCovarianceStrategy(t *testing.T) {
	for name, want := range map[string]CovarianceStrategy{
		"structural": CovStructural,
		"variance":   CovVariance,
		"diagonal":   CovVariance,
		"sample":     CovSample,
		"shrinkage":  CovShrinkage,
		"ar1":        CovAR1,
	} {
		got, err := ParseCovarianceStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCovarianceStrategy("bogus")
	assert.Error(t, err)
}
