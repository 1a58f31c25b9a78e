package reconcile

import "gonum.org/v1/gonum/mat"

// sparseThreshold selects the sparse aggregation path. Hierarchies with many
// bottom series have mostly-zero aggregation rows, where the row-index form
// wins over a dense multiply. The choice is internal to the hierarchy; callers
// see one interface.
const sparseThreshold = 256

// summer computes aggregate rows from bottom-level rows.
type summer interface {
	// aggregateInto writes C·bottom into the first nAgg rows of dst.
	aggregateInto(dst, bottom *mat.Dense)
}

type denseSummer struct {
	c *mat.Dense
}

func (s *denseSummer) aggregateInto(dst, bottom *mat.Dense) {
	nAgg, _ := s.c.Dims()
	_, t := bottom.Dims()
	var agg mat.Dense
	agg.Mul(s.c, bottom)
	for i := 0; i < nAgg; i++ {
		for j := 0; j < t; j++ {
			dst.Set(i, j, agg.At(i, j))
		}
	}
}

type sparseSummer struct {
	idx  [][]int
	coef [][]float64
}

func (s *sparseSummer) aggregateInto(dst, bottom *mat.Dense) {
	_, t := bottom.Dims()
	for i, cols := range s.idx {
		for j := 0; j < t; j++ {
			v := 0.0
			for k, c := range cols {
				v += s.coef[i][k] * bottom.At(c, j)
			}
			dst.Set(i, j, v)
		}
	}
}

func newSummer(c *mat.Dense) summer {
	nAgg, nBottom := c.Dims()
	if nBottom < sparseThreshold {
		return &denseSummer{c: c}
	}
	s := &sparseSummer{
		idx:  make([][]int, nAgg),
		coef: make([][]float64, nAgg),
	}
	for i := 0; i < nAgg; i++ {
		for j := 0; j < nBottom; j++ {
			if v := c.At(i, j); v != 0 {
				s.idx[i] = append(s.idx[i], j)
				s.coef[i] = append(s.coef[i], v)
			}
		}
	}
	return s
}
