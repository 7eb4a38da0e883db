package mesh

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// CoverSolver selects a minimum set of candidates covering every sample.
// Implementations return ErrInfeasible when some sample has no candidate and
// ErrSolver when they stop without proving optimality. Which of several
// equally small covers is returned is up to the implementation.
type CoverSolver interface {
	SolveCover(ctx context.Context, m *CoverageMatrix) (Selection, error)
}

// SolveStats describes one branch-and-bound run
type SolveStats struct {
	Forced     int  `json:"forced"`
	Eliminated int  `json:"eliminated"`
	Greedy     int  `json:"greedy"`
	LowerBound int  `json:"lowerBound"`
	LPBound    bool `json:"lpBound"`
	Nodes      int  `json:"nodes"`
}

// DefaultMaxNodes caps the branch-and-bound search tree
const DefaultMaxNodes = 2_000_000

// lpMaxCells bounds the dense LP tableau built for the root relaxation
const lpMaxCells = 400_000

// BranchAndBound is an exact set cover solver. It reduces the instance
// (forced candidates, dominated samples and candidates), starts from a greedy
// cover, bounds the root with the LP relaxation and then searches depth-first,
// always branching on the uncovered sample with the fewest candidates.
type BranchAndBound struct {
	// MaxNodes stops the search with ErrSolver; 0 selects DefaultMaxNodes.
	MaxNodes int
	// DisableLP skips the LP relaxation at the root.
	DisableLP bool
}

// SolveCover implements CoverSolver
func (b BranchAndBound) SolveCover(ctx context.Context, m *CoverageMatrix) (Selection, error) {
	sel, _, err := b.Solve(ctx, m)
	return sel, err
}

// Solve is SolveCover with search statistics
func (b BranchAndBound) Solve(ctx context.Context, m *CoverageMatrix) (Selection, SolveStats, error) {
	var stats SolveStats
	if m == nil {
		return nil, stats, fmt.Errorf("solve cover: nil matrix: %w", ErrInvalidInput)
	}
	n := m.Size()
	sel := make(Selection, n)
	if n == 0 {
		return sel, stats, nil
	}

	s := newCoverSearch(ctx, m, b.MaxNodes)
	if j := s.emptyColumn(); j >= 0 {
		return nil, stats, fmt.Errorf("solve cover: sample %d has no candidate: %w", j, ErrInfeasible)
	}

	uncovered := s.reduce(&stats)

	s.best = s.greedy(uncovered)
	stats.Greedy = len(s.forced) + len(s.best)

	lb := s.lowerBound(uncovered)
	if !b.DisableLP {
		if lpb, ok := s.lpBound(uncovered); ok && lpb > lb {
			lb = lpb
			stats.LPBound = true
		}
	}
	stats.LowerBound = len(s.forced) + lb

	if len(s.best) > lb {
		s.search(uncovered)
	}
	stats.Nodes = s.nodes
	if s.err != nil {
		return nil, stats, fmt.Errorf("solve cover: %w", s.err)
	}

	for _, i := range s.forced {
		sel[i] = 1
	}
	for _, i := range s.best {
		sel[i] = 1
	}
	return sel, stats, nil
}

// coverSearch holds the working state of one solve. Candidate rows are
// bitsets over samples; sample columns are bitsets over candidates.
type coverSearch struct {
	ctx      context.Context
	m        *CoverageMatrix
	words    int
	rows     [][]uint64
	cols     [][]uint64
	banned   []uint64
	forced   []int
	chosen   []int
	best     []int
	nodes    int
	maxNodes int
	err      error
}

func newCoverSearch(ctx context.Context, m *CoverageMatrix, maxNodes int) *coverSearch {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	n := m.Size()
	words := m.words
	s := &coverSearch{
		ctx:      ctx,
		m:        m,
		words:    words,
		rows:     make([][]uint64, n),
		cols:     make([][]uint64, n),
		banned:   make([]uint64, words),
		maxNodes: maxNodes,
	}
	for i := 0; i < n; i++ {
		s.rows[i] = m.bits[i*words : (i+1)*words]
		s.cols[i] = make([]uint64, words)
	}
	for i := 0; i < n; i++ {
		for _, j := range m.Row(i) {
			setBit(s.cols[j], i)
		}
	}
	return s
}

func (s *coverSearch) emptyColumn() int {
	for j, c := range s.cols {
		if isZero(c) {
			return j
		}
	}
	return -1
}

// reduce applies forced-candidate and dominance rules until nothing changes
// and returns the samples that still need covering.
func (s *coverSearch) reduce(stats *SolveStats) []uint64 {
	n := s.m.Size()
	uncovered := make([]uint64, s.words)
	for j := 0; j < n; j++ {
		setBit(uncovered, j)
	}

	for changed := true; changed; {
		changed = false

		// A sample with a single candidate forces it.
		for j := 0; j < n; j++ {
			if !hasBit(uncovered, j) {
				continue
			}
			if c, ok := s.onlyCandidate(j); ok {
				s.forced = append(s.forced, c)
				setBit(s.banned, c)
				andNot(uncovered, s.rows[c])
				stats.Forced++
				changed = true
			}
		}

		// A sample whose candidates include all candidates of another sample
		// is covered whenever the other one is.
		for a := 0; a < n; a++ {
			if !hasBit(uncovered, a) {
				continue
			}
			for b := 0; b < n; b++ {
				if a == b || !hasBit(uncovered, b) {
					continue
				}
				if s.activeSubset(s.cols[b], s.cols[a]) {
					if s.activeEqual(s.cols[a], s.cols[b]) && a < b {
						continue
					}
					clearBit(uncovered, a)
					stats.Eliminated++
					changed = true
					break
				}
			}
		}

		// A candidate reaching a subset of what another reaches is never needed.
		for i := 0; i < n; i++ {
			if hasBit(s.banned, i) {
				continue
			}
			for k := 0; k < n; k++ {
				if i == k || hasBit(s.banned, k) {
					continue
				}
				if subsetWithin(s.rows[i], s.rows[k], uncovered) {
					if subsetWithin(s.rows[k], s.rows[i], uncovered) && i < k {
						continue
					}
					setBit(s.banned, i)
					stats.Eliminated++
					changed = true
					break
				}
			}
		}
	}

	return uncovered
}

func (s *coverSearch) onlyCandidate(j int) (int, bool) {
	found, count := -1, 0
	for w, word := range s.cols[j] {
		word &^= s.banned[w]
		count += bits.OnesCount64(word)
		if count > 1 {
			return -1, false
		}
		if word != 0 {
			found = w*64 + bits.TrailingZeros64(word)
		}
	}
	return found, count == 1
}

// activeSubset reports whether a ⊆ b over candidates that are not banned
func (s *coverSearch) activeSubset(a, b []uint64) bool {
	for w := range a {
		if a[w]&^s.banned[w]&^b[w] != 0 {
			return false
		}
	}
	return true
}

func (s *coverSearch) activeEqual(a, b []uint64) bool {
	return s.activeSubset(a, b) && s.activeSubset(b, a)
}

// greedy picks the candidate covering the most uncovered samples until
// everything is covered, then drops picks made redundant by later ones.
func (s *coverSearch) greedy(uncovered []uint64) []int {
	left := append([]uint64(nil), uncovered...)
	var picks []int
	for !isZero(left) {
		bestI, bestGain := -1, 0
		for i := range s.rows {
			if hasBit(s.banned, i) {
				continue
			}
			if g := intersectCount(s.rows[i], left); g > bestGain {
				bestI, bestGain = i, g
			}
		}
		if bestI < 0 {
			// Unreachable after the empty column check.
			break
		}
		picks = append(picks, bestI)
		andNot(left, s.rows[bestI])
	}

	for k := len(picks) - 1; k >= 0; k-- {
		rest := make([]int, 0, len(picks)-1)
		rest = append(rest, picks[:k]...)
		rest = append(rest, picks[k+1:]...)
		if s.covers(rest, uncovered) {
			picks = rest
		}
	}
	return picks
}

func (s *coverSearch) covers(cands []int, target []uint64) bool {
	left := append([]uint64(nil), target...)
	for _, c := range cands {
		andNot(left, s.rows[c])
	}
	return isZero(left)
}

// lowerBound combines two combinatorial bounds: uncovered samples divided by
// the largest reach of any candidate, and a set of samples no two of which
// share a candidate.
func (s *coverSearch) lowerBound(uncovered []uint64) int {
	u := popCount(uncovered)
	if u == 0 {
		return 0
	}

	maxReach := 0
	for i := range s.rows {
		if hasBit(s.banned, i) {
			continue
		}
		if g := intersectCount(s.rows[i], uncovered); g > maxReach {
			maxReach = g
		}
	}
	if maxReach == 0 {
		return math.MaxInt32
	}
	lb := (u + maxReach - 1) / maxReach

	used := make([]uint64, s.words)
	disjoint := 0
	forEachBit(uncovered, func(j int) {
		col := s.cols[j]
		for w := range col {
			if col[w]&^s.banned[w]&used[w] != 0 {
				return
			}
		}
		for w := range col {
			used[w] |= col[w] &^ s.banned[w]
		}
		disjoint++
	})
	if disjoint > lb {
		lb = disjoint
	}
	return lb
}

// lpBound solves the LP relaxation min Σx, Bx ≥ 1, x ≥ 0 over the remaining
// samples and candidates and rounds it up. ok is false when the instance is
// too large for a dense tableau or the simplex fails.
func (s *coverSearch) lpBound(uncovered []uint64) (int, bool) {
	var samples, cands []int
	forEachBit(uncovered, func(j int) { samples = append(samples, j) })
	for i := range s.rows {
		if !hasBit(s.banned, i) && intersectCount(s.rows[i], uncovered) > 0 {
			cands = append(cands, i)
		}
	}
	rows, k := len(samples), len(cands)
	if rows == 0 {
		return 0, true
	}
	if rows*(k+rows) > lpMaxCells {
		return 0, false
	}

	// Standard form with one surplus variable per sample: [B | -I] x = 1.
	cols := k + rows
	a := mat.NewDense(rows, cols, nil)
	for r, j := range samples {
		for c, i := range cands {
			if hasBit(s.rows[i], j) {
				a.Set(r, c, 1)
			}
		}
		a.Set(r, k+r, -1)
	}
	b := make([]float64, rows)
	for r := range b {
		b[r] = 1
	}
	c := make([]float64, cols)
	for i := 0; i < k; i++ {
		c[i] = 1
	}

	opt, _, err := lp.Simplex(c, a, b, 1e-10, nil)
	if err != nil {
		return 0, false
	}
	return int(math.Ceil(opt - 1e-6)), true
}

// search explores covers of uncovered that improve on s.best.
func (s *coverSearch) search(uncovered []uint64) {
	if s.err != nil {
		return
	}
	s.nodes++
	if s.nodes > s.maxNodes {
		s.err = fmt.Errorf("node limit %d reached: %w", s.maxNodes, ErrSolver)
		return
	}
	if s.nodes&1023 == 0 {
		if err := s.ctx.Err(); err != nil {
			s.err = fmt.Errorf("%v: %w", err, ErrSolver)
			return
		}
	}

	if isZero(uncovered) {
		if len(s.chosen) < len(s.best) {
			s.best = append(s.best[:0:0], s.chosen...)
		}
		return
	}
	if len(s.chosen)+1 >= len(s.best) {
		return
	}
	if len(s.chosen)+s.lowerBound(uncovered) >= len(s.best) {
		return
	}

	// Branch on the sample with the fewest remaining candidates.
	pivot, fewest := -1, math.MaxInt
	forEachBit(uncovered, func(j int) {
		c := 0
		for w, word := range s.cols[j] {
			c += bits.OnesCount64(word &^ s.banned[w])
		}
		if c < fewest {
			pivot, fewest = j, c
		}
	})
	if fewest == 0 {
		return
	}

	type branch struct{ cand, gain int }
	var branches []branch
	forEachBit(s.cols[pivot], func(i int) {
		if !hasBit(s.banned, i) {
			branches = append(branches, branch{i, intersectCount(s.rows[i], uncovered)})
		}
	})
	sort.SliceStable(branches, func(x, y int) bool {
		return branches[x].gain > branches[y].gain
	})

	// Later branches exclude the candidates already tried at this node.
	var tried []int
	next := make([]uint64, s.words)
	for _, br := range branches {
		copy(next, uncovered)
		andNot(next, s.rows[br.cand])

		s.chosen = append(s.chosen, br.cand)
		s.search(append([]uint64(nil), next...))
		s.chosen = s.chosen[:len(s.chosen)-1]

		if s.err != nil {
			break
		}
		setBit(s.banned, br.cand)
		tried = append(tried, br.cand)
	}
	for _, c := range tried {
		clearBit(s.banned, c)
	}
}

// BruteForce enumerates subsets by increasing size. It is exact and meant for
// small instances and for checking other solvers.
type BruteForce struct {
	// MaxCandidates rejects larger matrices with ErrSolver; 0 selects 16.
	MaxCandidates int
}

// SolveCover implements CoverSolver
func (b BruteForce) SolveCover(ctx context.Context, m *CoverageMatrix) (Selection, error) {
	limit := b.MaxCandidates
	if limit <= 0 {
		limit = 16
	}
	if m == nil {
		return nil, fmt.Errorf("brute force: nil matrix: %w", ErrInvalidInput)
	}
	n := m.Size()
	if n > limit || n > 30 {
		return nil, fmt.Errorf("brute force: %d candidates exceeds limit %d: %w", n, limit, ErrSolver)
	}
	sel := make(Selection, n)
	if n == 0 {
		return sel, nil
	}

	rows := make([]uint32, n)
	for i := 0; i < n; i++ {
		for _, j := range m.Row(i) {
			rows[i] |= 1 << uint(j)
		}
	}
	all := uint32(1)<<uint(n) - 1

	for k := 1; k <= n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("brute force: %v: %w", err, ErrSolver)
		}
		// Gosper's hack walks every n-bit mask with k bits set.
		for set := uint32(1)<<uint(k) - 1; set <= all; {
			var covered uint32
			for i := 0; i < n; i++ {
				if set&(1<<uint(i)) != 0 {
					covered |= rows[i]
				}
			}
			if covered == all {
				for i := 0; i < n; i++ {
					if set&(1<<uint(i)) != 0 {
						sel[i] = 1
					}
				}
				return sel, nil
			}
			c := set & -set
			r := set + c
			if r == 0 {
				break
			}
			set = (((r ^ set) >> 2) / c) | r
		}
	}
	return nil, fmt.Errorf("brute force: %w", ErrInfeasible)
}

func setBit(b []uint64, i int)      { b[i/64] |= 1 << (uint(i) % 64) }
func clearBit(b []uint64, i int)    { b[i/64] &^= 1 << (uint(i) % 64) }
func hasBit(b []uint64, i int) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }

func andNot(dst, src []uint64) {
	for w := range dst {
		dst[w] &^= src[w]
	}
}

func isZero(b []uint64) bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

func popCount(b []uint64) int {
	c := 0
	for _, w := range b {
		c += bits.OnesCount64(w)
	}
	return c
}

func intersectCount(a, b []uint64) int {
	c := 0
	for w := range a {
		c += bits.OnesCount64(a[w] & b[w])
	}
	return c
}

// subsetWithin reports whether a∩mask ⊆ b∩mask
func subsetWithin(a, b, mask []uint64) bool {
	for w := range a {
		if a[w]&mask[w]&^b[w] != 0 {
			return false
		}
	}
	return true
}

func forEachBit(b []uint64, fn func(int)) {
	for w, word := range b {
		for word != 0 {
			fn(w*64 + bits.TrailingZeros64(word))
			word &= word - 1
		}
	}
}
