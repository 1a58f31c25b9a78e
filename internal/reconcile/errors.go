package reconcile

import "fmt"

// InvalidHierarchyError reports a malformed aggregation or temporal structure.
// Row and Col identify the offending entry when known, -1 otherwise.
type InvalidHierarchyError struct {
	Reason string
	Row    int
	Col    int
}

func (e *InvalidHierarchyError) Error() string {
	if e.Row >= 0 || e.Col >= 0 {
		return fmt.Sprintf("invalid hierarchy: %s (row=%d, col=%d)", e.Reason, e.Row, e.Col)
	}
	return fmt.Sprintf("invalid hierarchy: %s", e.Reason)
}

func newInvalidHierarchy(reason string) error {
	return &InvalidHierarchyError{Reason: reason, Row: -1, Col: -1}
}

func newInvalidHierarchyAt(reason string, row, col int) error {
	return &InvalidHierarchyError{Reason: reason, Row: row, Col: col}
}

// DimensionMismatchError reports a forecast or residual shape that disagrees
// with the declared hierarchy or horizon.
type DimensionMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: %s expects %d, got %d", e.What, e.Want, e.Got)
}

// SingularCovarianceError reports a weighting matrix that could not be
// factorized even after estimator-level regularization.
type SingularCovarianceError struct {
	Strategy CovarianceStrategy
	Dim      int
}

func (e *SingularCovarianceError) Error() string {
	return fmt.Sprintf("singular covariance: %s estimate of dimension %d is not positive definite", e.Strategy, e.Dim)
}

// InfeasibleConstraintsError reports fixed values that contradict the
// coherence relation. Constraint is the row of the constraint matrix whose
// support is entirely fixed yet whose residual is non-zero.
type InfeasibleConstraintsError struct {
	Constraint int
	Residual   float64
}

func (e *InfeasibleConstraintsError) Error() string {
	return fmt.Sprintf("infeasible constraints: fixed values violate constraint row %d (residual %g)", e.Constraint, e.Residual)
}
