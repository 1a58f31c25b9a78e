package reconcile

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Hierarchy encodes a cross-sectional aggregation structure. Rows and columns
// of every forecast or residual matrix handed to the engine must follow the
// aggregates-then-bottoms ordering used to build the aggregation matrix C.
//
// A forecast vector y (aggregates first, bottoms last) is coherent iff
// U·y = 0 with U = [I | -C].
type Hierarchy struct {
	c       *mat.Dense // nAgg x nBottom aggregation matrix
	u       *mat.Dense // nAgg x n zero-constraint matrix [I | -C]
	nAgg    int
	nBottom int
	sum     summer
}

// NewHierarchy validates the aggregation matrix C (nAgg x nBottom) and derives
// the constraint matrix. C must have no zero row, no zero column and no
// duplicate rows.
func NewHierarchy(c *mat.Dense) (*Hierarchy, error) {
	if c == nil {
		return nil, newInvalidHierarchy("aggregation matrix is nil")
	}
	nAgg, nBottom := c.Dims()
	if nAgg == 0 || nBottom == 0 {
		return nil, newInvalidHierarchy("aggregation matrix is empty")
	}

	for i := 0; i < nAgg; i++ {
		zero := true
		for j := 0; j < nBottom; j++ {
			if c.At(i, j) != 0 {
				zero = false
				break
			}
		}
		if zero {
			return nil, newInvalidHierarchyAt("aggregation matrix has a zero row", i, -1)
		}
	}
	for j := 0; j < nBottom; j++ {
		zero := true
		for i := 0; i < nAgg; i++ {
			if c.At(i, j) != 0 {
				zero = false
				break
			}
		}
		if zero {
			return nil, newInvalidHierarchyAt("bottom series is aggregated nowhere", -1, j)
		}
	}
	for i := 0; i < nAgg; i++ {
		for k := i + 1; k < nAgg; k++ {
			if rowsEqual(c, i, k, nBottom) {
				return nil, newInvalidHierarchyAt("duplicate aggregation row", k, -1)
			}
		}
	}

	n := nAgg + nBottom
	u := mat.NewDense(nAgg, n, nil)
	for i := 0; i < nAgg; i++ {
		u.Set(i, i, 1)
		for j := 0; j < nBottom; j++ {
			u.Set(i, nAgg+j, -c.At(i, j))
		}
	}

	cc := mat.DenseCopyOf(c)
	return &Hierarchy{
		c:       cc,
		u:       u,
		nAgg:    nAgg,
		nBottom: nBottom,
		sum:     newSummer(cc),
	}, nil
}

func rowsEqual(m *mat.Dense, a, b, cols int) bool {
	for j := 0; j < cols; j++ {
		if m.At(a, j) != m.At(b, j) {
			return false
		}
	}
	return true
}

// C returns the aggregation matrix.
func (h *Hierarchy) C() mat.Matrix { return h.c }

// U returns the zero-constraint matrix.
func (h *Hierarchy) U() mat.Matrix { return h.u }

// N returns the total number of series.
func (h *Hierarchy) N() int { return h.nAgg + h.nBottom }

// NAggregates returns the number of aggregate series.
func (h *Hierarchy) NAggregates() int { return h.nAgg }

// NBottom returns the number of bottom-level series.
func (h *Hierarchy) NBottom() int { return h.nBottom }

// Multiplicities returns, for every series, the number of bottom series it
// aggregates (1 for the bottoms themselves). This is the structural scale used
// by the structural covariance estimator.
func (h *Hierarchy) Multiplicities() []float64 {
	m := make([]float64, h.N())
	for i := 0; i < h.nAgg; i++ {
		s := 0.0
		for j := 0; j < h.nBottom; j++ {
			s += math.Abs(h.c.At(i, j))
		}
		m[i] = s
	}
	for j := 0; j < h.nBottom; j++ {
		m[h.nAgg+j] = 1
	}
	return m
}

// BottomUp derives the full series set (nBottom+nAgg rows) from bottom-level
// values by pure summation. bottom is nBottom x T; the result is N x T with
// the aggregates-then-bottoms ordering. Exactly coherent by construction.
func (h *Hierarchy) BottomUp(bottom *mat.Dense) (*mat.Dense, error) {
	r, t := bottom.Dims()
	if r != h.nBottom {
		return nil, &DimensionMismatchError{What: "bottom-level matrix rows", Want: h.nBottom, Got: r}
	}
	out := mat.NewDense(h.N(), t, nil)
	h.sum.aggregateInto(out, bottom)
	for j := 0; j < h.nBottom; j++ {
		for c := 0; c < t; c++ {
			out.Set(h.nAgg+j, c, bottom.At(j, c))
		}
	}
	return out, nil
}

// CoherenceResidual returns max|U·y| over all columns of y (N x T).
func (h *Hierarchy) CoherenceResidual(y *mat.Dense) float64 {
	var uy mat.Dense
	uy.Mul(h.u, y)
	return maxAbs(&uy)
}

func maxAbs(m *mat.Dense) float64 {
	r, c := m.Dims()
	max := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := math.Abs(m.At(i, j)); v > max {
				max = v
			}
		}
	}
	return max
}
