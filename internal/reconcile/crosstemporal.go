package reconcile

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CompositionStrategy selects how cross-sectional and temporal coherence are
// combined.
type CompositionStrategy int

const (
	// CompSimultaneous reconciles every node at every order in one
	// projection against the full combined constraint system. Most accurate
	// and by far the most resource-intensive path: the weighting matrix
	// dimension is nodes x stacked-horizon, so cost grows superlinearly.
	CompSimultaneous CompositionStrategy = iota
	// CompTemporalFirst applies the temporal projection per series, then the
	// cross-sectional projection per temporal slot.
	CompTemporalFirst
	// CompCrossFirst applies the cross-sectional projection per temporal
	// slot, then the temporal projection per series.
	CompCrossFirst
	// CompIterative alternates single-axis projections until the max-norm
	// change falls below the tolerance or the iteration cap is reached.
	// Non-convergence is reported, not fatal.
	CompIterative
	// CompBottomUp reconciles only the highest-frequency bottom-level
	// series temporally and derives every other node and order by pure
	// summation. Cheapest, exactly coherent by construction.
	CompBottomUp
)

func (s CompositionStrategy) String() string {
	switch s {
	case CompSimultaneous:
		return "simultaneous"
	case CompTemporalFirst:
		return "temporal-then-cross"
	case CompCrossFirst:
		return "cross-then-temporal"
	case CompIterative:
		return "iterative"
	case CompBottomUp:
		return "bottom-up"
	default:
		return fmt.Sprintf("composition(%d)", int(s))
	}
}

// ParseCompositionStrategy maps a configuration name to a strategy.
func ParseCompositionStrategy(name string) (CompositionStrategy, error) {
	switch name {
	case "simultaneous", "optimal":
		return CompSimultaneous, nil
	case "temporal-then-cross":
		return CompTemporalFirst, nil
	case "cross-then-temporal":
		return CompCrossFirst, nil
	case "iterative":
		return CompIterative, nil
	case "bottom-up":
		return CompBottomUp, nil
	default:
		return 0, fmt.Errorf("unknown composition strategy %q", name)
	}
}

// Index addresses one entry of a cross-temporal forecast matrix: Series is the
// row in hierarchy order, Slot the column in stacked temporal order.
type Index struct {
	Series int
	Slot   int
}

// IterationObserver is invoked once per iteration of the iterative heuristic
// with the max-norm change of that iteration.
type IterationObserver func(iteration int, delta float64)

// ComposerConfig controls the iterative heuristic and the bottom-up variant.
type ComposerConfig struct {
	// MaxIterations caps the iterative heuristic.
	MaxIterations int
	// Tolerance is the max-norm change below which iteration stops.
	Tolerance float64
	// Observer, when set, receives per-iteration progress.
	Observer IterationObserver
	// ReconcileBottom makes the bottom-up strategy temporally reconcile each
	// bottom series before summation; when false the raw highest-frequency
	// base forecasts are summed directly.
	ReconcileBottom bool
}

// DefaultComposerConfig returns the documented defaults.
func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		MaxIterations:   100,
		Tolerance:       1e-9,
		ReconcileBottom: true,
	}
}

// Weights carries the weighting matrices a composition strategy needs.
// Combined is only consulted by the simultaneous strategy and is built as the
// Kronecker product of CrossSectional and Temporal when nil; when no matrix is
// set at all the simultaneous strategy uses the combined structural weighting.
type Weights struct {
	CrossSectional *mat.SymDense
	Temporal       *mat.SymDense
	Combined       *mat.SymDense
}

// CrossTemporalResult is a reconciled forecast matrix with composition
// diagnostics. Converged is always true except for an iterative run that
// exhausted its budget; the best iterate is still returned.
type CrossTemporalResult struct {
	Reconciled        *mat.Dense
	Strategy          CompositionStrategy
	Converged         bool
	Iterations        int
	Delta             float64
	CoherenceResidual float64
}

// Composer reconciles forecast matrices that are coherent across both the
// cross-sectional and the temporal hierarchy. The forecast matrix layout is
// rows = series in hierarchy order (aggregates then bottoms), columns = the
// stacked temporal orders, lowest frequency first.
type Composer struct {
	cs  *Hierarchy
	te  *TemporalHierarchy
	cfg ComposerConfig
}

// NewComposer pairs a cross-sectional and a temporal hierarchy.
func NewComposer(cs *Hierarchy, te *TemporalHierarchy, cfg ComposerConfig) *Composer {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultComposerConfig().MaxIterations
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultComposerConfig().Tolerance
	}
	return &Composer{cs: cs, te: te, cfg: cfg}
}

// CrossSectional returns the cross-sectional hierarchy.
func (c *Composer) CrossSectional() *Hierarchy { return c.cs }

// Temporal returns the temporal hierarchy.
func (c *Composer) Temporal() *TemporalHierarchy { return c.te }

// Reconcile runs the requested composition strategy on the base forecast
// matrix x (series x stacked temporal slots). Entries listed in fixed keep
// their base value through every sub-call that can honor them.
func (c *Composer) Reconcile(strategy CompositionStrategy, x *mat.Dense, w Weights, fixed []Index) (*CrossTemporalResult, error) {
	if err := c.checkShape(x); err != nil {
		return nil, err
	}

	var (
		out *mat.Dense
		res = &CrossTemporalResult{Strategy: strategy, Converged: true}
		err error
	)
	switch strategy {
	case CompSimultaneous:
		out, err = c.simultaneous(x, w, fixed)
	case CompTemporalFirst:
		if out, err = c.temporalPass(x, w.Temporal, fixed); err == nil {
			out, err = c.crossPass(out, w.CrossSectional, fixed)
		}
	case CompCrossFirst:
		if out, err = c.crossPass(x, w.CrossSectional, fixed); err == nil {
			out, err = c.temporalPass(out, w.Temporal, fixed)
		}
	case CompIterative:
		out, res.Converged, res.Iterations, res.Delta, err = c.iterative(x, w, fixed)
	case CompBottomUp:
		out, err = c.bottomUp(x, w.Temporal, fixed)
	default:
		return nil, fmt.Errorf("unknown composition strategy %v", strategy)
	}
	if err != nil {
		return nil, err
	}

	res.Reconciled = out
	res.CoherenceResidual = c.coherenceResidual(out)
	return res, nil
}

func (c *Composer) checkShape(x *mat.Dense) error {
	r, cols := x.Dims()
	if r != c.cs.N() {
		return &DimensionMismatchError{What: "forecast matrix rows", Want: c.cs.N(), Got: r}
	}
	if cols != c.te.N() {
		return &DimensionMismatchError{What: "forecast matrix columns", Want: c.te.N(), Got: cols}
	}
	return nil
}

// coherenceResidual evaluates both axes: every temporal slot against the
// cross-sectional constraint and every series against the temporal one.
func (c *Composer) coherenceResidual(x *mat.Dense) float64 {
	res := c.cs.CoherenceResidual(x)
	row := make([]float64, c.te.N())
	for i := 0; i < c.cs.N(); i++ {
		mat.Row(row, i, x)
		if v := c.te.CoherenceResidual(row); v > res {
			res = v
		}
	}
	return res
}

// temporalPass projects every series row onto the temporal constraint
// subspace independently.
func (c *Composer) temporalPass(x *mat.Dense, wTE *mat.SymDense, fixed []Index) (*mat.Dense, error) {
	if wTE == nil {
		return nil, fmt.Errorf("composition strategy requires a temporal weighting matrix")
	}
	n := c.cs.N()
	nte := c.te.N()
	out := mat.NewDense(n, nte, nil)
	row := make([]float64, nte)
	for i := 0; i < n; i++ {
		mat.Row(row, i, x)
		pr, err := Project(row, c.te.Z(), wTE, slotsFixedForSeries(fixed, i))
		if err != nil {
			return nil, fmt.Errorf("temporal projection of series %d: %w", i, err)
		}
		out.SetRow(i, pr.Reconciled)
	}
	return out, nil
}

// crossPass projects every temporal slot column onto the cross-sectional
// constraint subspace independently.
func (c *Composer) crossPass(x *mat.Dense, wCS *mat.SymDense, fixed []Index) (*mat.Dense, error) {
	if wCS == nil {
		return nil, fmt.Errorf("composition strategy requires a cross-sectional weighting matrix")
	}
	n := c.cs.N()
	nte := c.te.N()
	out := mat.NewDense(n, nte, nil)
	col := make([]float64, n)
	for t := 0; t < nte; t++ {
		mat.Col(col, t, x)
		pr, err := Project(col, c.cs.U(), wCS, seriesFixedForSlot(fixed, t))
		if err != nil {
			return nil, fmt.Errorf("cross-sectional projection of slot %d: %w", t, err)
		}
		out.SetCol(t, pr.Reconciled)
	}
	return out, nil
}

// simultaneous solves the full combined system in one projection. The
// constraint matrix stacks the cross-sectional constraints replicated per
// temporal slot over the temporal constraints replicated per series, acting on
// the series-major vectorization of the forecast matrix.
func (c *Composer) simultaneous(x *mat.Dense, w Weights, fixed []Index) (*mat.Dense, error) {
	n := c.cs.N()
	nte := c.te.N()
	dim := n * nte

	combined := w.Combined
	if combined == nil {
		switch {
		case w.CrossSectional != nil && w.Temporal != nil:
			combined = kronSym(w.CrossSectional, w.Temporal)
		case w.CrossSectional == nil && w.Temporal == nil:
			// No weighting at all: the combined structural form, scaled by
			// the product of the per-axis multiplicities.
			cov, err := newFlatEstimator(CovStructural, c.combinedScale()).Estimate(nil)
			if err != nil {
				return nil, err
			}
			combined = cov.W
		default:
			return nil, fmt.Errorf("simultaneous composition requires either a combined weighting or both per-axis weightings")
		}
	}
	if cd := combined.SymmetricDim(); cd != dim {
		return nil, &DimensionMismatchError{What: "combined weighting dimension", Want: dim, Got: cd}
	}

	uStar := c.combinedConstraints()
	vec := make([]float64, dim)
	for i := 0; i < n; i++ {
		for t := 0; t < nte; t++ {
			vec[i*nte+t] = x.At(i, t)
		}
	}
	flat := make([]int, len(fixed))
	for k, f := range fixed {
		flat[k] = f.Series*nte + f.Slot
	}

	pr, err := Project(vec, uStar, combined, flat)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(n, nte, nil)
	for i := 0; i < n; i++ {
		for t := 0; t < nte; t++ {
			out.Set(i, t, pr.Reconciled[i*nte+t])
		}
	}
	return out, nil
}

// combinedConstraints builds U* = [U_cs ⊗ I_nte ; I_n ⊗ Z_te] for the
// series-major vectorization.
func (c *Composer) combinedConstraints() *mat.Dense {
	n := c.cs.N()
	nte := c.te.N()
	na := c.cs.NAggregates()
	qte := c.te.NAggregates()
	u := c.cs.U()
	z := c.te.Z()

	rows := na*nte + n*qte
	g := mat.NewDense(rows, n*nte, nil)
	for r := 0; r < na; r++ {
		for j := 0; j < n; j++ {
			v := u.At(r, j)
			if v == 0 {
				continue
			}
			for t := 0; t < nte; t++ {
				g.Set(r*nte+t, j*nte+t, v)
			}
		}
	}
	base := na * nte
	for i := 0; i < n; i++ {
		for r := 0; r < qte; r++ {
			for t := 0; t < nte; t++ {
				v := z.At(r, t)
				if v == 0 {
					continue
				}
				g.Set(base+i*qte+r, i*nte+t, v)
			}
		}
	}
	return g
}

// combinedScale is the structural scale of the series-major vectorization:
// the product of the per-axis multiplicities for each (series, slot) entry.
func (c *Composer) combinedScale() []float64 {
	ks := c.cs.Multiplicities()
	kt := c.te.Multiplicities()
	out := make([]float64, len(ks)*len(kt))
	for i, ki := range ks {
		for t, kj := range kt {
			out[i*len(kt)+t] = ki * kj
		}
	}
	return out
}

// iterative alternates temporal and cross-sectional passes. The two-step
// heuristics are already fully coherent under a single per-axis weighting;
// alternation exists for weightings where one pass can disturb the other
// axis, and reports rather than fails when the budget runs out.
func (c *Composer) iterative(x *mat.Dense, w Weights, fixed []Index) (out *mat.Dense, converged bool, iters int, delta float64, err error) {
	prev := mat.DenseCopyOf(x)
	for iters = 1; iters <= c.cfg.MaxIterations; iters++ {
		var cur *mat.Dense
		cur, err = c.temporalPass(prev, w.Temporal, fixed)
		if err != nil {
			return nil, false, iters, 0, err
		}
		cur, err = c.crossPass(cur, w.CrossSectional, fixed)
		if err != nil {
			return nil, false, iters, 0, err
		}

		delta = maxAbsDiff(cur, prev)
		if c.cfg.Observer != nil {
			c.cfg.Observer(iters, delta)
		}
		prev = cur
		if delta < c.cfg.Tolerance {
			return prev, true, iters, delta, nil
		}
	}
	return prev, false, c.cfg.MaxIterations, delta, nil
}

// bottomUp extracts the highest-frequency bottom-level block, optionally
// reconciling each bottom series along the temporal axis first, and derives
// every remaining node and order by summation. Fixed entries addressing
// bottom-series slots are honored by the temporal sub-call; entries on derived
// aggregates cannot be, since aggregates are recomputed.
func (c *Composer) bottomUp(x *mat.Dense, wTE *mat.SymDense, fixed []Index) (*mat.Dense, error) {
	na := c.cs.NAggregates()
	nb := c.cs.NBottom()
	hm := c.te.NBottom()
	off := c.te.NAggregates()

	bottom := mat.NewDense(nb, hm, nil)
	if c.cfg.ReconcileBottom {
		if wTE == nil {
			return nil, fmt.Errorf("bottom-up composition with bottom reconciliation requires a temporal weighting matrix")
		}
		row := make([]float64, c.te.N())
		for j := 0; j < nb; j++ {
			mat.Row(row, na+j, x)
			pr, err := Project(row, c.te.Z(), wTE, slotsFixedForSeries(fixed, na+j))
			if err != nil {
				return nil, fmt.Errorf("temporal projection of bottom series %d: %w", j, err)
			}
			bottom.SetRow(j, pr.Reconciled[off:])
		}
	} else {
		for j := 0; j < nb; j++ {
			for t := 0; t < hm; t++ {
				bottom.Set(j, t, x.At(na+j, off+t))
			}
		}
	}

	return c.buildFromBottom(bottom)
}

// buildFromBottom derives the full cross-temporal matrix from a bottom-level
// highest-frequency block by summation along both axes.
func (c *Composer) buildFromBottom(bottom *mat.Dense) (*mat.Dense, error) {
	hourly, err := c.cs.BottomUp(bottom)
	if err != nil {
		return nil, err
	}
	n := c.cs.N()
	out := mat.NewDense(n, c.te.N(), nil)
	row := make([]float64, c.te.NBottom())
	for i := 0; i < n; i++ {
		mat.Row(row, i, hourly)
		full, err := c.te.BottomUp(row)
		if err != nil {
			return nil, err
		}
		out.SetRow(i, full)
	}
	return out, nil
}

func slotsFixedForSeries(fixed []Index, series int) []int {
	var out []int
	for _, f := range fixed {
		if f.Series == series {
			out = append(out, f.Slot)
		}
	}
	return out
}

func seriesFixedForSlot(fixed []Index, slot int) []int {
	var out []int
	for _, f := range fixed {
		if f.Slot == slot {
			out = append(out, f.Series)
		}
	}
	return out
}

func maxAbsDiff(a, b *mat.Dense) float64 {
	r, c := a.Dims()
	max := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d := math.Abs(a.At(i, j) - b.At(i, j)); d > max {
				max = d
			}
		}
	}
	return max
}

// kronSym computes the Kronecker product of two symmetric matrices.
func kronSym(a, b *mat.SymDense) *mat.SymDense {
	na := a.SymmetricDim()
	nb := b.SymmetricDim()
	out := mat.NewSymDense(na*nb, nil)
	for i := 0; i < na; i++ {
		for j := i; j < na; j++ {
			av := a.At(i, j)
			if av == 0 {
				continue
			}
			for p := 0; p < nb; p++ {
				for q := 0; q < nb; q++ {
					ri := i*nb + p
					rj := j*nb + q
					if rj < ri {
						continue
					}
					out.SetSym(ri, rj, av*b.At(p, q))
				}
			}
		}
	}
	return out
}
