package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline stage names, used for timings and metrics labels
const (
	StageFloor     = "floor"
	StageGrid      = "grid"
	StageCoverage  = "coverage"
	StageSolve     = "solve"
	StageIntensity = "intensity"
)

// PlanObserver receives timings and outcomes from the planner. Metrics and
// InfluxSink implement it; Observers combines several. A nil observer is
// ignored.
type PlanObserver interface {
	ObserveStage(stage string, d time.Duration)
	ObservePlan(outcome string, aps, samples int)
}

// PlanRequest carries the parameters of one planning run. GridResolution and
// MaxPathLoss are required; there are no implicit defaults at this level.
type PlanRequest struct {
	GridResolution float64
	MaxPathLoss    float64
	Radio          RadioModel
	Floor          FloorOptions
	Coverage       CoverageOptions
}

// Validate rejects requests before any geometry work is done
func (r PlanRequest) Validate() error {
	if !(r.GridResolution > 0) {
		return fmt.Errorf("plan request: grid resolution %v must be > 0: %w", r.GridResolution, ErrInvalidInput)
	}
	if !(r.MaxPathLoss > 0) {
		return fmt.Errorf("plan request: max path loss %v must be > 0: %w", r.MaxPathLoss, ErrInvalidInput)
	}
	if err := r.Radio.Validate(); err != nil {
		return fmt.Errorf("plan request: %w", err)
	}
	return nil
}

// PlanStats summarizes a run
type PlanStats struct {
	Rooms     int                      `json:"rooms"`
	Samples   int                      `json:"samples"`
	APs       int                      `json:"aps"`
	Unreached int                      `json:"unreached"`
	FloorArea float64                  `json:"floorArea"`
	Durations map[string]time.Duration `json:"durations"`
	Solver    *SolveStats              `json:"solver,omitempty"`
}

// PlanResult holds the four outputs a renderer needs: the floor outline, the
// sample points, the selected APs and the per-sample intensity.
type PlanResult struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"createdAt"`
	Request   PlanRequest   `json:"-"`
	Floor     *FloorPolygon `json:"-"`
	Points    []SamplePoint `json:"points"`
	Selection Selection     `json:"selection"`
	Intensity IntensityMap  `json:"-"`
	Stats     PlanStats     `json:"stats"`

	coverage *CoverageMatrix
}

// APs returns the sample points chosen as access points
func (r *PlanResult) APs() []SamplePoint {
	idx := r.Selection.Indices()
	out := make([]SamplePoint, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.Points[i])
	}
	return out
}

// CoverageOf returns the samples each selected AP covers, keyed by AP index
func (r *PlanResult) CoverageOf() map[int][]int {
	out := make(map[int][]int)
	if r.coverage == nil {
		return out
	}
	for _, i := range r.Selection.Indices() {
		out[i] = r.coverage.Row(i)
	}
	return out
}

// Coverage returns the coverage matrix the selection was solved on
func (r *PlanResult) Coverage() *CoverageMatrix {
	return r.coverage
}

// Planner runs the full pipeline: floor, grid, coverage, cover, intensity.
type Planner struct {
	Solver   CoverSolver
	Observer PlanObserver
	Tracer   trace.Tracer // nil uses the global provider
}

// NewPlanner returns a planner with the branch-and-bound solver
func NewPlanner() *Planner {
	return &Planner{Solver: BranchAndBound{}}
}

// Plan runs one planning request. Bound its latency with a context deadline;
// an expired deadline during the solve surfaces as ErrSolver.
func (p *Planner) Plan(ctx context.Context, rooms []Room, req PlanRequest) (*PlanResult, error) {
	ctx, span := planTracer(p.Tracer).Start(ctx, "plan", trace.WithAttributes(
		attribute.Int("apmesh.rooms", len(rooms)),
		attribute.Float64("apmesh.grid_resolution", req.GridResolution),
		attribute.Float64("apmesh.max_path_loss", req.MaxPathLoss),
	))
	defer span.End()

	res, err := p.plan(ctx, rooms, req)
	outcome := Outcome(err)
	aps, samples := 0, 0
	if res != nil {
		aps, samples = res.Stats.APs, res.Stats.Samples
		span.SetAttributes(attribute.String("apmesh.plan_id", res.ID))
	}
	span.SetAttributes(
		attribute.String("apmesh.outcome", outcome),
		attribute.Int("apmesh.aps", aps),
		attribute.Int("apmesh.samples", samples),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if p.Observer != nil {
		p.Observer.ObservePlan(outcome, aps, samples)
	}
	return res, err
}

func (p *Planner) plan(ctx context.Context, rooms []Room, req PlanRequest) (*PlanResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateRooms(rooms); err != nil {
		return nil, err
	}

	res := &PlanResult{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Request:   req,
		Stats: PlanStats{
			Rooms:     len(rooms),
			Durations: make(map[string]time.Duration),
		},
	}
	tracer := planTracer(p.Tracer)
	stage := func(name string, start time.Time) {
		d := time.Since(start)
		res.Stats.Durations[name] = d
		if p.Observer != nil {
			p.Observer.ObserveStage(name, d)
		}
		_, span := tracer.Start(ctx, name, trace.WithTimestamp(start))
		span.End()
	}

	start := time.Now()
	floor, err := BuildFloor(rooms, req.Floor)
	if err != nil {
		return nil, err
	}
	res.Floor = floor
	res.Stats.FloorArea = floor.Area()
	stage(StageFloor, start)

	start = time.Now()
	points, err := GenerateGrid(floor, req.GridResolution)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("plan: resolution %v leaves no sample inside the floor: %w", req.GridResolution, ErrInvalidInput)
	}
	res.Points = points
	res.Stats.Samples = len(points)
	stage(StageGrid, start)
	log.Printf("[PLAN] %s: %d rooms, %.1f m², %d samples", res.ID, len(rooms), res.Stats.FloorArea, len(points))

	start = time.Now()
	cov, err := ComputeCoverage(ctx, points, floor, req.MaxPathLoss, req.Radio, req.Coverage)
	if err != nil {
		return nil, err
	}
	res.coverage = cov
	stage(StageCoverage, start)
	if cov.Degenerate() {
		return nil, fmt.Errorf("plan: no candidate reaches another sample at %v dB: %w", req.MaxPathLoss, ErrInfeasible)
	}

	start = time.Now()
	sel, err := p.solve(ctx, cov, res)
	if err != nil {
		return nil, err
	}
	if !cov.Feasible(sel) {
		return nil, fmt.Errorf("plan: solver returned a selection that leaves samples uncovered: %w", ErrSolver)
	}
	res.Selection = sel
	res.Stats.APs = sel.Count()
	stage(StageSolve, start)

	start = time.Now()
	intensity, err := EstimateIntensity(ctx, sel, points, floor, req.MaxPathLoss, req.Radio)
	if err != nil {
		return nil, err
	}
	res.Intensity = intensity
	res.Stats.Unreached = intensity.Unreached()
	stage(StageIntensity, start)

	log.Printf("[PLAN] %s: %d access points in %v", res.ID, res.Stats.APs, time.Since(res.CreatedAt).Round(time.Millisecond))
	return res, nil
}

func (p *Planner) solve(ctx context.Context, cov *CoverageMatrix, res *PlanResult) (Selection, error) {
	solver := p.Solver
	if solver == nil {
		solver = BranchAndBound{}
	}
	if bb, ok := solver.(BranchAndBound); ok {
		sel, stats, err := bb.Solve(ctx, cov)
		res.Stats.Solver = &stats
		return sel, err
	}
	return solver.SolveCover(ctx, cov)
}

// Outcome classifies a planning error for metrics and status reporting
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrGeometryDegenerate):
		return "degenerate_geometry"
	case errors.Is(err, ErrInfeasible):
		return "infeasible"
	case errors.Is(err, ErrSolver):
		return "solver_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "error"
	}
}
