package reconcile

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// TemporalHierarchy encodes the aggregation of a single series across time
// scales. The stacked temporal vector for one series holds the forecasts of
// every aggregation order, lowest frequency first: order m (h values), down to
// order 1 (h·m values).
type TemporalHierarchy struct {
	m      int
	h      int
	orders []int // descending, always starts with m and ends with 1
	r      *mat.Dense
	z      *mat.Dense
	nAgg   int
	nTotal int
	offs   map[int]int // row offset of each order block in the stacked vector
}

// NewTemporalHierarchy builds the temporal descriptor for maximum seasonal
// frequency m and forecast horizon h (in units of the lowest frequency).
// orders may be nil, in which case all divisors of m are used; any subset of
// divisors is accepted and need not be closed under division. m and 1 are
// always included. Every element must divide m.
func NewTemporalHierarchy(m, h int, orders []int) (*TemporalHierarchy, error) {
	if m < 2 {
		return nil, newInvalidHierarchy(fmt.Sprintf("seasonal frequency must be >= 2, got %d", m))
	}
	if h < 1 {
		return nil, newInvalidHierarchy(fmt.Sprintf("forecast horizon must be >= 1, got %d", h))
	}

	var ks []int
	if len(orders) == 0 {
		for k := 1; k <= m; k++ {
			if m%k == 0 {
				ks = append(ks, k)
			}
		}
	} else {
		seen := map[int]bool{m: true, 1: true}
		ks = []int{m, 1}
		for _, k := range orders {
			if k < 1 || m%k != 0 {
				return nil, newInvalidHierarchyAt(fmt.Sprintf("aggregation order %d does not divide frequency %d", k, m), -1, k)
			}
			if !seen[k] {
				seen[k] = true
				ks = append(ks, k)
			}
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ks)))

	nBottom := h * m
	nAgg := 0
	for _, k := range ks {
		if k > 1 {
			nAgg += h * m / k
		}
	}
	nTotal := nAgg + nBottom

	r := mat.NewDense(nAgg, nBottom, nil)
	offs := make(map[int]int, len(ks))
	row := 0
	for _, k := range ks {
		offs[k] = row
		if k == 1 {
			continue
		}
		for j := 0; j < h*m/k; j++ {
			for p := 0; p < k; p++ {
				r.Set(row, j*k+p, 1)
			}
			row++
		}
	}
	offs[1] = nAgg

	z := mat.NewDense(nAgg, nTotal, nil)
	for i := 0; i < nAgg; i++ {
		z.Set(i, i, 1)
		for j := 0; j < nBottom; j++ {
			z.Set(i, nAgg+j, -r.At(i, j))
		}
	}

	return &TemporalHierarchy{
		m:      m,
		h:      h,
		orders: ks,
		r:      r,
		z:      z,
		nAgg:   nAgg,
		nTotal: nTotal,
		offs:   offs,
	}, nil
}

// Frequency returns the maximum seasonal frequency m.
func (t *TemporalHierarchy) Frequency() int { return t.m }

// Horizon returns the forecast horizon at the lowest frequency.
func (t *TemporalHierarchy) Horizon() int { return t.h }

// Orders returns the aggregation orders, lowest frequency (largest k) first.
func (t *TemporalHierarchy) Orders() []int {
	out := make([]int, len(t.orders))
	copy(out, t.orders)
	return out
}

// HorizonAt returns the number of forecast steps at order k.
func (t *TemporalHierarchy) HorizonAt(k int) int { return t.h * t.m / k }

// N returns the length of the stacked temporal vector.
func (t *TemporalHierarchy) N() int { return t.nTotal }

// NAggregates returns the number of aggregate (k > 1) entries.
func (t *TemporalHierarchy) NAggregates() int { return t.nAgg }

// NBottom returns the number of highest-frequency entries (h·m).
func (t *TemporalHierarchy) NBottom() int { return t.h * t.m }

// Offset returns the row offset of order k inside the stacked vector.
func (t *TemporalHierarchy) Offset(k int) (int, bool) {
	o, ok := t.offs[k]
	return o, ok
}

// R returns the temporal aggregation matrix.
func (t *TemporalHierarchy) R() mat.Matrix { return t.r }

// Z returns the temporal zero-constraint matrix [I | -R].
func (t *TemporalHierarchy) Z() mat.Matrix { return t.z }

// Multiplicities returns the structural scale of every stacked entry: the
// number of highest-frequency periods each entry covers.
func (t *TemporalHierarchy) Multiplicities() []float64 {
	out := make([]float64, t.nTotal)
	row := 0
	for _, k := range t.orders {
		for j := 0; j < t.HorizonAt(k); j++ {
			out[row] = float64(k)
			row++
		}
	}
	return out
}

// Midpoints returns, for every stacked entry, the midpoint of the interval it
// covers in highest-frequency units. Used by the autocorrelation-aware
// covariance estimator.
func (t *TemporalHierarchy) Midpoints() []float64 {
	out := make([]float64, t.nTotal)
	row := 0
	for _, k := range t.orders {
		for j := 0; j < t.HorizonAt(k); j++ {
			out[row] = float64(j*k) + float64(k-1)/2
			row++
		}
	}
	return out
}

// BottomUp derives the full stacked vector from highest-frequency values by
// pure summation.
func (t *TemporalHierarchy) BottomUp(bottom []float64) ([]float64, error) {
	if len(bottom) != t.NBottom() {
		return nil, &DimensionMismatchError{What: "highest-frequency vector length", Want: t.NBottom(), Got: len(bottom)}
	}
	out := make([]float64, t.nTotal)
	if t.nAgg > 0 {
		b := mat.NewVecDense(len(bottom), bottom)
		agg := mat.NewVecDense(t.nAgg, out[:t.nAgg])
		agg.MulVec(t.r, b)
	}
	copy(out[t.nAgg:], bottom)
	return out, nil
}

// CoherenceResidual returns max|Z·y| for a stacked vector y.
func (t *TemporalHierarchy) CoherenceResidual(y []float64) float64 {
	if t.nAgg == 0 {
		return 0
	}
	v := mat.NewVecDense(len(y), y)
	var zy mat.VecDense
	zy.MulVec(t.z, v)
	max := 0.0
	for i := 0; i < zy.Len(); i++ {
		if a := math.Abs(zy.AtVec(i)); a > max {
			max = a
		}
	}
	return max
}
