package mesh

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestGrid(t *testing.T, resolution float64, rooms ...Room) (*FloorPolygon, []SamplePoint) {
	t.Helper()
	floor, err := BuildFloor(rooms, DefaultFloorOptions())
	require.NoError(t, err)
	points, err := GenerateGrid(floor, resolution)
	require.NoError(t, err)
	require.NotEmpty(t, points)
	return floor, points
}

func TestCoverageMatrix_Basics(t *testing.T) {
	m := NewCoverageMatrix(70)
	assert.Equal(t, 70, m.Size())

	m.Set(0, 0)
	m.Set(0, 65)
	m.Set(3, 65)

	assert.Equal(t, uint8(1), m.At(0, 65))
	assert.Equal(t, uint8(0), m.At(65, 0))
	assert.Equal(t, []int{0, 65}, m.Row(0))
	assert.Equal(t, []int{0, 3}, m.Column(65))
	assert.Equal(t, 2, m.RowCount(0))
}

func TestCoverageFromRows(t *testing.T) {
	m, err := CoverageFromRows([][]uint8{
		{1, 1, 0},
		{0, 1, 0},
		{0, 1, 1},
	})
	require.NoError(t, err)

	assert.True(t, m.Covers(0, 1))
	assert.False(t, m.Covers(1, 0))
	assert.True(t, m.Feasible(Selection{1, 0, 1}))
	assert.False(t, m.Feasible(Selection{1, 1, 0}))
	assert.False(t, m.Feasible(Selection{1, 0}), "wrong length")

	_, err = CoverageFromRows([][]uint8{{1, 0}, {1}})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestCoverageMatrix_Degenerate(t *testing.T) {
	identity, _ := CoverageFromRows([][]uint8{{1, 0}, {0, 1}})
	assert.True(t, identity.Degenerate())

	linked, _ := CoverageFromRows([][]uint8{{1, 1}, {0, 1}})
	assert.False(t, linked.Degenerate())

	single, _ := CoverageFromRows([][]uint8{{1}})
	assert.False(t, single.Degenerate())
}

func TestComputeCoverage_OpenRoom(t *testing.T) {
	floor, points := buildTestGrid(t, 2, rectRoom("a", 0, 0, 10, 10))

	m, err := ComputeCoverage(context.Background(), points, floor, 92, DefaultRadioModel(), CoverageOptions{})
	require.NoError(t, err)
	require.Equal(t, len(points), m.Size())

	// Every sample lies in the one room, well inside the radius
	for i := range points {
		assert.Equal(t, len(points), m.RowCount(i), "row %d", i)
	}
}

func TestComputeCoverage_DiagonalAlwaysSet(t *testing.T) {
	floor, points := buildTestGrid(t, 2, rectRoom("a", 0, 0, 10, 10))

	m, err := ComputeCoverage(context.Background(), points, floor, 40, DefaultRadioModel(), CoverageOptions{})
	require.NoError(t, err)
	for i := range points {
		assert.True(t, m.Covers(i, i))
	}
	assert.True(t, m.Degenerate(), "no neighbor is within reach at 40 dB")
}

func TestComputeCoverage_WallsBlock(t *testing.T) {
	model := DefaultRadioModel()
	model.Penalties[Concrete] = 40
	floor, points := buildTestGrid(t, 3,
		rectRoom("a", 0, 0, 10, 10),
		rectRoom("b", 10, 0, 20, 10),
	)

	m, err := ComputeCoverage(context.Background(), points, floor, 92, model, CoverageOptions{})
	require.NoError(t, err)

	for i, src := range points {
		for j, dst := range points {
			sameRoom := (src.Point[0] < 10) == (dst.Point[0] < 10)
			assert.Equal(t, sameRoom, m.Covers(i, j), "%v -> %v", src.Point, dst.Point)
		}
	}
}

func TestComputeCoverage_MonotoneInLoss(t *testing.T) {
	floor, points := buildTestGrid(t, 1.5,
		rectRoom("a", 0, 0, 12, 8),
		rectRoom("b", 12, 0, 20, 8),
	)
	model := DefaultRadioModel()

	low, err := ComputeCoverage(context.Background(), points, floor, 75, model, CoverageOptions{})
	require.NoError(t, err)
	high, err := ComputeCoverage(context.Background(), points, floor, 85, model, CoverageOptions{})
	require.NoError(t, err)

	for i := range points {
		for j := range points {
			if low.Covers(i, j) {
				assert.True(t, high.Covers(i, j), "(%d,%d) lost coverage with a larger budget", i, j)
			}
		}
	}
}

func TestComputeCoverage_WorkerCountDoesNotMatter(t *testing.T) {
	floor, points := buildTestGrid(t, 1,
		rectRoom("a", 0, 0, 9, 7),
		rectRoom("b", 9, 0, 16, 7),
	)
	model := DefaultRadioModel()

	serial, err := ComputeCoverage(context.Background(), points, floor, 80, model, CoverageOptions{Workers: 1, RowsPerTask: 1000})
	require.NoError(t, err)
	parallel, err := ComputeCoverage(context.Background(), points, floor, 80, model, CoverageOptions{Workers: 8, RowsPerTask: 3})
	require.NoError(t, err)

	assert.Equal(t, serial.bits, parallel.bits)
}

func TestComputeCoverage_InvalidInput(t *testing.T) {
	floor, points := buildTestGrid(t, 2, rectRoom("a", 0, 0, 10, 10))
	model := DefaultRadioModel()

	_, err := ComputeCoverage(context.Background(), points, floor, 0, model, CoverageOptions{})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = ComputeCoverage(context.Background(), points, nil, 80, model, CoverageOptions{})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	model.FrequencyMHz = 0
	_, err = ComputeCoverage(context.Background(), points, floor, 80, model, CoverageOptions{})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestComputeCoverage_Canceled(t *testing.T) {
	floor, points := buildTestGrid(t, 2, rectRoom("a", 0, 0, 10, 10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ComputeCoverage(ctx, points, floor, 80, DefaultRadioModel(), CoverageOptions{})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestComputeCoverage_Empty(t *testing.T) {
	floor, _ := buildTestGrid(t, 2, rectRoom("a", 0, 0, 10, 10))
	m, err := ComputeCoverage(context.Background(), nil, floor, 80, DefaultRadioModel(), CoverageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
}
