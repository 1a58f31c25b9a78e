package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewHierarchy(t *testing.T) {
	tests := []struct {
		name    string
		c       *mat.Dense
		wantErr bool
	}{
		{
			name: "one total two children",
			c:    mat.NewDense(1, 2, []float64{1, 1}),
		},
		{
			name: "two level tree",
			c: mat.NewDense(3, 4, []float64{
				1, 1, 1, 1,
				1, 1, 0, 0,
				0, 0, 1, 1,
			}),
		},
		{
			name: "zero row",
			c: mat.NewDense(2, 2, []float64{
				1, 1,
				0, 0,
			}),
			wantErr: true,
		},
		{
			name: "orphan bottom column",
			c: mat.NewDense(2, 3, []float64{
				1, 1, 0,
				1, 0, 0,
			}),
			wantErr: true,
		},
		{
			name: "duplicate row",
			c: mat.NewDense(2, 2, []float64{
				1, 1,
				1, 1,
			}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHierarchy(tt.c)
			if tt.wantErr {
				require.Error(t, err)
				var ih *InvalidHierarchyError
				assert.ErrorAs(t, err, &ih)
				return
			}
			require.NoError(t, err)
			na, nb := tt.c.Dims()
			assert.Equal(t, na, h.NAggregates())
			assert.Equal(t, nb, h.NBottom())
			assert.Equal(t, na+nb, h.N())
		})
	}
}

func TestHierarchyConstraintMatrix(t *testing.T) {
	c := mat.NewDense(3, 4, []float64{
		1, 1, 1, 1,
		1, 1, 0, 0,
		0, 0, 1, 1,
	})
	h, err := NewHierarchy(c)
	require.NoError(t, err)

	// Any bottom-up vector must lie in the null space of U.
	bottom := mat.NewDense(4, 1, []float64{2, 3, 5, 7})
	full, err := h.BottomUp(bottom)
	require.NoError(t, err)

	assert.InDelta(t, 17, full.At(0, 0), 1e-12)
	assert.InDelta(t, 5, full.At(1, 0), 1e-12)
	assert.InDelta(t, 12, full.At(2, 0), 1e-12)
	assert.InDelta(t, 0, h.CoherenceResidual(full), 1e-12)
}

func TestHierarchyMultiplicities(t *testing.T) {
	c := mat.NewDense(3, 4, []float64{
		1, 1, 1, 1,
		1, 1, 0, 0,
		0, 0, 1, 1,
	})
	h, err := NewHierarchy(c)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 2, 2, 1, 1, 1, 1}, h.Multiplicities())
}

func TestHierarchyBottomUpDimensionMismatch(t *testing.T) {
	h, err := NewHierarchy(mat.NewDense(1, 2, []float64{1, 1}))
	require.NoError(t, err)

	_, err = h.BottomUp(mat.NewDense(3, 1, []float64{1, 2, 3}))
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 2, dm.Want)
	assert.Equal(t, 3, dm.Got)
}

func TestSparseSummerMatchesDense(t *testing.T) {
	// Enough bottoms to cross the sparse threshold.
	nb := sparseThreshold + 10
	c := mat.NewDense(2, nb, nil)
	for j := 0; j < nb; j++ {
		c.Set(0, j, 1)
		if j%2 == 0 {
			c.Set(1, j, 1)
		}
	}
	h, err := NewHierarchy(c)
	require.NoError(t, err)
	_, sparse := h.sum.(*sparseSummer)
	assert.True(t, sparse)

	bottom := mat.NewDense(nb, 2, nil)
	for j := 0; j < nb; j++ {
		bottom.Set(j, 0, float64(j))
		bottom.Set(j, 1, float64(nb-j))
	}
	got, err := h.BottomUp(bottom)
	require.NoError(t, err)

	dense := &denseSummer{c: c}
	want := mat.NewDense(h.N(), 2, nil)
	dense.aggregateInto(want, bottom)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.InDelta(t, want.At(i, j), got.At(i, j), 1e-9)
		}
	}
}
