package mesh

import "errors"

var (
	// ErrInvalidInput is returned before any geometry work for empty room
	// sets, degenerate rings, and non-positive resolution or loss budget.
	ErrInvalidInput = errors.New("invalid input")

	// ErrGeometryDegenerate is returned when the merged floor has no area or a
	// room ring intersects itself.
	ErrGeometryDegenerate = errors.New("degenerate geometry")

	// ErrInfeasible is returned when no set of candidates covers every sample.
	ErrInfeasible = errors.New("no feasible cover")

	// ErrSolver is returned when the cover solver stops without a proven
	// optimum (deadline, cancellation, node limit, numerical failure).
	ErrSolver = errors.New("solver did not terminate conclusively")

	// ErrUpstream is returned when the map service fails or answers with
	// something that is not a POI document.
	ErrUpstream = errors.New("map service error")
)
