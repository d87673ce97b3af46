// Package matching implements descriptor matching between feature sets, both
// exhaustive with a mutual-best check and grid-bucketed for matching under a
// pose prior.
package matching

import (
	"math"

	"github.com/golang/geo/r2"

	"github.com/plslam/slam/feature"
)

// Match runs exhaustive nearest-neighbor matching from query into train with
// a Lowe ratio test and a mutual-best check. It returns the number of matches
// and, per query index, the matched train index or feature.Unassociated.
func Match(train, query []feature.Descriptor, ratio float64) (int, []int) {
	matches := make([]int, len(query))
	for i := range matches {
		matches[i] = feature.Unassociated
	}
	if len(train) == 0 {
		return 0, matches
	}

	bestTrainDist := make([]int, len(train))
	bestTrainQuery := make([]int, len(train))
	for i := range train {
		bestTrainDist[i] = math.MaxInt
		bestTrainQuery[i] = feature.Unassociated
	}

	bestQueryTrain := make([]int, len(query))
	for qi, qd := range query {
		best, second := math.MaxInt, math.MaxInt
		bestIdx := feature.Unassociated
		for ti, td := range train {
			d := qd.Distance(td)
			switch {
			case d < best:
				second = best
				best = d
				bestIdx = ti
			case d < second:
				second = d
			}
			if d < bestTrainDist[ti] {
				bestTrainDist[ti] = d
				bestTrainQuery[ti] = qi
			}
		}
		bestQueryTrain[qi] = feature.Unassociated
		if bestIdx != feature.Unassociated && float64(best) < ratio*float64(second) {
			bestQueryTrain[qi] = bestIdx
		}
	}

	n := 0
	for qi, ti := range bestQueryTrain {
		if ti == feature.Unassociated {
			continue
		}
		if bestTrainQuery[ti] != qi {
			continue
		}
		matches[qi] = ti
		n++
	}
	return n, matches
}

// Grid buckets feature indexes by normalized image position so matching under
// a pose prior can restrict candidates to a local window of cells.
type Grid struct {
	cols, rows int
	cells      [][]int
}

// NewGrid builds an empty cols-by-rows grid. Dimensions clamp to 1.
func NewGrid(cols, rows int) *Grid {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return &Grid{cols: cols, rows: rows, cells: make([][]int, cols*rows)}
}

func (g *Grid) cell(x, y float64) (int, int) {
	cx := int(x * float64(g.cols))
	cy := int(y * float64(g.rows))
	if cx < 0 {
		cx = 0
	}
	if cx >= g.cols {
		cx = g.cols - 1
	}
	if cy < 0 {
		cy = 0
	}
	if cy >= g.rows {
		cy = g.rows - 1
	}
	return cx, cy
}

// Add registers a feature index at a normalized [0,1)x[0,1) position.
func (g *Grid) Add(id int, x, y float64) {
	cx, cy := g.cell(x, y)
	idx := cy*g.cols + cx
	g.cells[idx] = append(g.cells[idx], id)
}

// AddLine registers a feature index along a normalized segment, rasterizing
// it into every cell the segment passes through.
func (g *Grid) AddLine(id int, x0, y0, x1, y1 float64) {
	steps := g.cols
	if g.rows > steps {
		steps = g.rows
	}
	steps *= 2
	last := -1
	for s := 0; s <= steps; s++ {
		t := float64(s) / float64(steps)
		cx, cy := g.cell(x0+t*(x1-x0), y0+t*(y1-y0))
		idx := cy*g.cols + cx
		if idx == last {
			continue
		}
		last = idx
		g.cells[idx] = append(g.cells[idx], id)
	}
}

// Candidates returns the distinct feature indexes within window cells of the
// normalized position.
func (g *Grid) Candidates(x, y float64, window int) []int {
	cx, cy := g.cell(x, y)
	seen := map[int]bool{}
	var out []int
	for dy := -window; dy <= window; dy++ {
		yy := cy + dy
		if yy < 0 || yy >= g.rows {
			continue
		}
		for dx := -window; dx <= window; dx++ {
			xx := cx + dx
			if xx < 0 || xx >= g.cols {
				continue
			}
			for _, id := range g.cells[yy*g.cols+xx] {
				if !seen[id] {
					seen[id] = true
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// MatchGrid matches query descriptors against train descriptors bucketed in
// grid, considering only candidates within window cells of each query's
// predicted normalized position. Queries competing for the same train index
// keep the smaller distance.
func MatchGrid(
	train, query []feature.Descriptor,
	grid *Grid,
	pos []r2.Point,
	window int,
	ratio float64,
) (int, []int) {
	return matchGrid(train, query, grid, pos, window, ratio, nil, nil, 0)
}

// MatchGridLines is MatchGrid with a direction compatibility gate: a train
// candidate is considered only when the absolute cosine between its segment
// direction and the query's exceeds minCos.
func MatchGridLines(
	train, query []feature.Descriptor,
	grid *Grid,
	pos []r2.Point,
	window int,
	ratio float64,
	trainDirs, queryDirs []r2.Point,
	minCos float64,
) (int, []int) {
	return matchGrid(train, query, grid, pos, window, ratio, trainDirs, queryDirs, minCos)
}

func matchGrid(
	train, query []feature.Descriptor,
	grid *Grid,
	pos []r2.Point,
	window int,
	ratio float64,
	trainDirs, queryDirs []r2.Point,
	minCos float64,
) (int, []int) {
	matches := make([]int, len(query))
	for i := range matches {
		matches[i] = feature.Unassociated
	}
	ownerDist := make([]int, len(train))
	owner := make([]int, len(train))
	for i := range train {
		ownerDist[i] = math.MaxInt
		owner[i] = feature.Unassociated
	}

	for qi, qd := range query {
		best, second := math.MaxInt, math.MaxInt
		bestIdx := feature.Unassociated
		for _, ti := range grid.Candidates(pos[qi].X, pos[qi].Y, window) {
			if trainDirs != nil && !directionsAgree(trainDirs[ti], queryDirs[qi], minCos) {
				continue
			}
			d := qd.Distance(train[ti])
			switch {
			case d < best:
				second = best
				best = d
				bestIdx = ti
			case d < second:
				second = d
			}
		}
		if bestIdx == feature.Unassociated {
			continue
		}
		if second != math.MaxInt && float64(best) >= ratio*float64(second) {
			continue
		}
		if best >= ownerDist[bestIdx] {
			continue
		}
		if prev := owner[bestIdx]; prev != feature.Unassociated {
			matches[prev] = feature.Unassociated
		}
		owner[bestIdx] = qi
		ownerDist[bestIdx] = best
		matches[qi] = bestIdx
	}

	n := 0
	for _, ti := range matches {
		if ti != feature.Unassociated {
			n++
		}
	}
	return n, matches
}

func directionsAgree(a, b r2.Point, minCos float64) bool {
	na := math.Hypot(a.X, a.Y)
	nb := math.Hypot(b.X, b.Y)
	if na == 0 || nb == 0 {
		return false
	}
	return math.Abs(a.X*b.X+a.Y*b.Y)/(na*nb) > minCos
}
