// Package reconcile projects base forecasts onto the subspace of forecasts
// that satisfy every aggregation constraint of a cross-sectional hierarchy
// (plants into zones into a total), a temporal hierarchy (hourly into coarser
// intervals up to daily), or both at once, while minimizing expected forecast
// error under an estimated error covariance.
//
// The building blocks compose bottom-up: Hierarchy and TemporalHierarchy
// describe the constraint structure, Estimator turns historical residuals
// into an invertible weighting matrix, Project performs the constrained GLS
// projection, Composer combines both axes under one of several composition
// strategies, and ProjectNonNegative / ClipAndRebuild enforce non-negativity
// when the domain demands it.
//
// Reconciliation never makes forecasts non-negative on its own; callers of
// physically non-negative quantities must invoke one of the projectors
// explicitly.
package reconcile
