package mesh

import (
	"context"
	"fmt"
	"math/bits"
	"runtime"

	"github.com/paulmach/orb/planar"
	"golang.org/x/sync/errgroup"
)

// CoverageMatrix is a square 0/1 matrix stored as one bitset row per
// candidate. At(i, j) is 1 iff candidate i reaches sample j.
type CoverageMatrix struct {
	n     int
	words int
	bits  []uint64
}

// NewCoverageMatrix allocates an all-zero n×n matrix
func NewCoverageMatrix(n int) *CoverageMatrix {
	words := (n + 63) / 64
	return &CoverageMatrix{
		n:     n,
		words: words,
		bits:  make([]uint64, n*words),
	}
}

// CoverageFromRows builds a matrix from dense rows. It is mostly useful in
// tests and for matrices received from elsewhere.
func CoverageFromRows(rows [][]uint8) (*CoverageMatrix, error) {
	m := NewCoverageMatrix(len(rows))
	for i, row := range rows {
		if len(row) != len(rows) {
			return nil, fmt.Errorf("coverage matrix: row %d has %d columns, want %d: %w", i, len(row), len(rows), ErrInvalidInput)
		}
		for j, v := range row {
			if v != 0 {
				m.Set(i, j)
			}
		}
	}
	return m, nil
}

// Size returns the number of candidates, which equals the number of samples
func (m *CoverageMatrix) Size() int {
	return m.n
}

// Set marks candidate i as reaching sample j
func (m *CoverageMatrix) Set(i, j int) {
	m.bits[i*m.words+j/64] |= 1 << (uint(j) % 64)
}

// At returns 1 if candidate i reaches sample j, 0 otherwise
func (m *CoverageMatrix) At(i, j int) uint8 {
	if m.bits[i*m.words+j/64]&(1<<(uint(j)%64)) != 0 {
		return 1
	}
	return 0
}

// Covers reports whether candidate i reaches sample j
func (m *CoverageMatrix) Covers(i, j int) bool {
	return m.At(i, j) == 1
}

// Row returns the samples candidate i reaches, in ascending order
func (m *CoverageMatrix) Row(i int) []int {
	var out []int
	base := i * m.words
	for w := 0; w < m.words; w++ {
		word := m.bits[base+w]
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, w*64+b)
			word &= word - 1
		}
	}
	return out
}

// Column returns the candidates that reach sample j, in ascending order
func (m *CoverageMatrix) Column(j int) []int {
	var out []int
	for i := 0; i < m.n; i++ {
		if m.Covers(i, j) {
			out = append(out, i)
		}
	}
	return out
}

// RowCount returns how many samples candidate i reaches
func (m *CoverageMatrix) RowCount(i int) int {
	c := 0
	base := i * m.words
	for w := 0; w < m.words; w++ {
		c += bits.OnesCount64(m.bits[base+w])
	}
	return c
}

// Degenerate reports a matrix in which no candidate reaches any sample other
// than its own. With more than one sample the only cover is every candidate,
// which means the loss budget is too small for the grid.
func (m *CoverageMatrix) Degenerate() bool {
	if m.n < 2 {
		return false
	}
	for i := 0; i < m.n; i++ {
		if m.RowCount(i)-int(m.At(i, i)) > 0 {
			return false
		}
	}
	return true
}

// Feasible reports whether the selection covers every sample
func (m *CoverageMatrix) Feasible(sel Selection) bool {
	if len(sel) != m.n {
		return false
	}
	covered := make([]uint64, m.words)
	for i, v := range sel {
		if v != 1 {
			continue
		}
		base := i * m.words
		for w := range covered {
			covered[w] |= m.bits[base+w]
		}
	}
	for j := 0; j < m.n; j++ {
		if covered[j/64]&(1<<(uint(j)%64)) == 0 {
			return false
		}
	}
	return true
}

// CoverageOptions tunes ComputeCoverage
type CoverageOptions struct {
	// Workers bounds the worker pool; 0 selects GOMAXPROCS.
	Workers int
	// RowsPerTask is the number of candidate rows handed to a worker at once.
	RowsPerTask int
}

func (o CoverageOptions) withDefaults() CoverageOptions {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.RowsPerTask <= 0 {
		o.RowsPerTask = 16
	}
	return o
}

// ComputeCoverage fills the coverage matrix for every ordered pair of points.
//
// A pair farther apart than the wall-free radius is rejected without any
// intersection test. Otherwise the walls crossed by the segment are counted
// through the floor's wall index and the pair is covered iff the distance is
// within the attenuated radius. Rows are split into disjoint ranges handled by
// a fixed pool of workers; each row is written by exactly one worker. The
// context is checked between rows.
func ComputeCoverage(ctx context.Context, points []SamplePoint, floor *FloorPolygon, maxLoss float64, model RadioModel, opts CoverageOptions) (*CoverageMatrix, error) {
	if !(maxLoss > 0) {
		return nil, fmt.Errorf("compute coverage: max loss %v must be > 0: %w", maxLoss, ErrInvalidInput)
	}
	if floor == nil {
		return nil, fmt.Errorf("compute coverage: nil floor: %w", ErrInvalidInput)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("compute coverage: %w", err)
	}
	opts = opts.withDefaults()

	n := len(points)
	m := NewCoverageMatrix(n)
	walls := NewWallIndex(floor.Walls, model.CrossingTolerance)
	r0 := model.Radius(maxLoss, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for start := 0; start < n; start += opts.RowsPerTask {
		start := start
		end := start + opts.RowsPerTask
		if end > n {
			end = n
		}

		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				computeRow(m, i, points, walls, model, maxLoss, r0)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute coverage: %w", err)
	}
	return m, nil
}

func computeRow(m *CoverageMatrix, i int, points []SamplePoint, walls *WallIndex, model RadioModel, maxLoss, r0 float64) {
	src := points[i].Point
	for j := range points {
		if i == j {
			m.Set(i, j)
			continue
		}
		dst := points[j].Point
		d := planar.Distance(src, dst)
		if d > r0 {
			continue
		}
		if model.Reaches(d, walls.Crossings(src, dst), maxLoss) {
			m.Set(i, j)
		}
	}
}
