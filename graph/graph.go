// Package graph holds the dense symmetric matrices the mapping backend keeps
// over keyframes: covisibility weights (shared landmark counts) and pairwise
// appearance similarity.
package graph

// Covisibility is a symmetric integer matrix of shared landmark counts
// between keyframes. The diagonal is always zero.
type Covisibility struct {
	m [][]int
}

// NewCovisibility returns a 1x1 zero matrix for the first keyframe.
func NewCovisibility() *Covisibility {
	return &Covisibility{m: [][]int{{0}}}
}

// Size returns the number of keyframes tracked.
func (c *Covisibility) Size() int { return len(c.m) }

// Expand grows the matrix by one zero row and column.
func (c *Covisibility) Expand() {
	n := len(c.m)
	for i := range c.m {
		c.m[i] = append(c.m[i], 0)
	}
	c.m = append(c.m, make([]int, n+1))
}

// At returns the weight between keyframes i and j.
func (c *Covisibility) At(i, j int) int { return c.m[i][j] }

// Increment raises the weight between i and j symmetrically. Self edges are
// ignored.
func (c *Covisibility) Increment(i, j int) {
	if i == j {
		return
	}
	c.m[i][j]++
	c.m[j][i]++
}

// Decrement lowers the weight between i and j symmetrically, not below zero.
// Self edges are ignored.
func (c *Covisibility) Decrement(i, j int) {
	if i == j || c.m[i][j] == 0 {
		return
	}
	c.m[i][j]--
	c.m[j][i]--
}

// ZeroRow clears every edge of keyframe i, used when the keyframe is culled.
func (c *Covisibility) ZeroRow(i int) {
	for j := range c.m {
		c.m[i][j] = 0
		c.m[j][i] = 0
	}
}

// Row returns a copy of keyframe i's weights.
func (c *Covisibility) Row(i int) []int {
	out := make([]int, len(c.m[i]))
	copy(out, c.m[i])
	return out
}

// Confusion is a symmetric matrix of appearance similarity scores between
// keyframes. The diagonal is 1 (every keyframe matches itself perfectly).
type Confusion struct {
	m [][]float64
}

// NewConfusion returns the 1x1 matrix for the first keyframe.
func NewConfusion() *Confusion {
	return &Confusion{m: [][]float64{{1}}}
}

// Size returns the number of keyframes tracked.
func (c *Confusion) Size() int { return len(c.m) }

// Expand grows the matrix by one row and column, with the new diagonal set
// to 1.
func (c *Confusion) Expand() {
	n := len(c.m)
	for i := range c.m {
		c.m[i] = append(c.m[i], 0)
	}
	row := make([]float64, n+1)
	row[n] = 1
	c.m = append(c.m, row)
}

// At returns the similarity between keyframes i and j.
func (c *Confusion) At(i, j int) float64 { return c.m[i][j] }

// Set stores the similarity between i and j symmetrically.
func (c *Confusion) Set(i, j int, score float64) {
	c.m[i][j] = score
	c.m[j][i] = score
}
