package matching

import (
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/plslam/slam/feature"
)

func desc(b ...byte) feature.Descriptor { return feature.Descriptor(b) }

func TestMatchMutual(t *testing.T) {
	train := []feature.Descriptor{
		desc(0x00, 0x00),
		desc(0xFF, 0xFF),
		desc(0xF0, 0x0F),
	}
	query := []feature.Descriptor{
		desc(0x00, 0x01), // near train 0
		desc(0xFF, 0xFE), // near train 1
	}
	n, m := Match(train, query, 0.75)
	test.That(t, n, test.ShouldEqual, 2)
	test.That(t, m[0], test.ShouldEqual, 0)
	test.That(t, m[1], test.ShouldEqual, 1)
}

func TestMatchRatioRejectsAmbiguous(t *testing.T) {
	// two train descriptors equally far from the query fail the ratio test
	train := []feature.Descriptor{desc(0x0F), desc(0xF0)}
	query := []feature.Descriptor{desc(0x3C)}
	n, m := Match(train, query, 0.75)
	test.That(t, n, test.ShouldEqual, 0)
	test.That(t, m[0], test.ShouldEqual, feature.Unassociated)
}

func TestMatchEmptyTrain(t *testing.T) {
	n, m := Match(nil, []feature.Descriptor{desc(0x01)}, 0.75)
	test.That(t, n, test.ShouldEqual, 0)
	test.That(t, m[0], test.ShouldEqual, feature.Unassociated)
}

func TestGridCandidates(t *testing.T) {
	g := NewGrid(10, 10)
	g.Add(0, 0.05, 0.05)
	g.Add(1, 0.95, 0.95)

	c := g.Candidates(0.05, 0.05, 1)
	test.That(t, c, test.ShouldResemble, []int{0})

	c = g.Candidates(0.5, 0.5, 10)
	test.That(t, len(c), test.ShouldEqual, 2)
}

func TestGridAddLineCoversCells(t *testing.T) {
	g := NewGrid(10, 10)
	g.AddLine(0, 0.05, 0.05, 0.95, 0.05)
	// the horizontal segment should be reachable from both ends
	test.That(t, g.Candidates(0.05, 0.05, 0), test.ShouldResemble, []int{0})
	test.That(t, g.Candidates(0.95, 0.05, 0), test.ShouldResemble, []int{0})
	test.That(t, len(g.Candidates(0.5, 0.95, 0)), test.ShouldEqual, 0)
}

func TestMatchGridWindow(t *testing.T) {
	train := []feature.Descriptor{desc(0x00), desc(0x00)}
	g := NewGrid(10, 10)
	g.Add(0, 0.05, 0.05)
	g.Add(1, 0.95, 0.95)

	query := []feature.Descriptor{desc(0x01)}
	pos := []r2.Point{{X: 0.05, Y: 0.05}}

	// only train 0 is in the window, so no ambiguity despite equal descriptors
	n, m := MatchGrid(train, query, g, pos, 1, 0.75)
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, m[0], test.ShouldEqual, 0)
}

func TestMatchGridKeepsBetterOwner(t *testing.T) {
	train := []feature.Descriptor{desc(0x00)}
	g := NewGrid(4, 4)
	g.Add(0, 0.5, 0.5)

	query := []feature.Descriptor{desc(0x03), desc(0x01)}
	pos := []r2.Point{{X: 0.5, Y: 0.5}, {X: 0.5, Y: 0.5}}
	n, m := MatchGrid(train, query, g, pos, 1, 0.75)
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, m[0], test.ShouldEqual, feature.Unassociated)
	test.That(t, m[1], test.ShouldEqual, 0)
}

func TestMatchGridLinesDirectionGate(t *testing.T) {
	train := []feature.Descriptor{desc(0x00)}
	g := NewGrid(4, 4)
	g.Add(0, 0.5, 0.5)
	query := []feature.Descriptor{desc(0x00)}
	pos := []r2.Point{{X: 0.5, Y: 0.5}}

	horiz := []r2.Point{{X: 1, Y: 0}}
	vert := []r2.Point{{X: 0, Y: 1}}

	n, _ := MatchGridLines(train, query, g, pos, 1, 0.75, horiz, vert, 0.75)
	test.That(t, n, test.ShouldEqual, 0)

	// antiparallel directions still agree
	anti := []r2.Point{{X: -1, Y: 0}}
	n, m := MatchGridLines(train, query, g, pos, 1, 0.75, horiz, anti, 0.75)
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, m[0], test.ShouldEqual, 0)
}
