// Package landmark holds the map's 3D point and line-segment landmarks, each
// carrying parallel per-observation lists, plus the store that owns them.
package landmark

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/plslam/slam/feature"
)

// Point is a 3D point landmark observed from one or more keyframes. The
// Descs, Obs, Dirs, and KFs lists run in parallel, one entry per observing
// keyframe.
type Point struct {
	ID     int
	P      r3.Vector // world position
	Inlier bool
	Local  bool // selected into the current local map

	Descs []feature.Descriptor
	Obs   []r2.Point  // pixel observations
	Dirs  []r3.Vector // unit viewing directions, camera to point in world
	KFs   []int       // observing keyframe ids

	MedDesc feature.Descriptor // medoid of Descs
	MedDir  r3.Vector          // normalized mean of Dirs
}

// NewPoint builds a point landmark from its first observation.
func NewPoint(id int, p r3.Vector, desc feature.Descriptor, px r2.Point, dir r3.Vector, kf int) *Point {
	lm := &Point{ID: id, P: p, Inlier: true}
	lm.AddObservation(desc, px, dir, kf)
	return lm
}

// AddObservation appends an observation and refreshes the averages.
func (p *Point) AddObservation(desc feature.Descriptor, px r2.Point, dir r3.Vector, kf int) {
	p.Descs = append(p.Descs, desc)
	p.Obs = append(p.Obs, px)
	p.Dirs = append(p.Dirs, dir)
	p.KFs = append(p.KFs, kf)
	p.UpdateAverage()
}

// RemoveObservation drops the observation from keyframe kf, returning whether
// one was found. Averages refresh when observations remain.
func (p *Point) RemoveObservation(kf int) bool {
	for i, k := range p.KFs {
		if k != kf {
			continue
		}
		p.Descs = append(p.Descs[:i], p.Descs[i+1:]...)
		p.Obs = append(p.Obs[:i], p.Obs[i+1:]...)
		p.Dirs = append(p.Dirs[:i], p.Dirs[i+1:]...)
		p.KFs = append(p.KFs[:i], p.KFs[i+1:]...)
		if len(p.KFs) > 0 {
			p.UpdateAverage()
		}
		return true
	}
	return false
}

// ObservedBy reports whether keyframe kf observes this landmark.
func (p *Point) ObservedBy(kf int) bool {
	for _, k := range p.KFs {
		if k == kf {
			return true
		}
	}
	return false
}

// UpdateAverage recomputes the medoid descriptor and mean viewing direction.
func (p *Point) UpdateAverage() {
	p.MedDesc = medoid(p.Descs)
	p.MedDir = meanDirection(p.Dirs)
}

// Line is a 3D line-segment landmark. As with Point, the per-observation
// lists run in parallel.
type Line struct {
	ID     int
	SP, EP r3.Vector // world endpoints
	Inlier bool
	Local  bool

	Descs     []feature.Descriptor
	LeObs     []r3.Vector    // observed image line equations
	Endpoints [][2]r2.Point  // observed pixel endpoints
	Dirs      []r3.Vector
	KFs       []int

	MedDesc feature.Descriptor
	MedDir  r3.Vector
}

// NewLine builds a line landmark from its first observation.
func NewLine(
	id int,
	sp, ep r3.Vector,
	desc feature.Descriptor,
	le r3.Vector,
	px [2]r2.Point,
	dir r3.Vector,
	kf int,
) *Line {
	lm := &Line{ID: id, SP: sp, EP: ep, Inlier: true}
	lm.AddObservation(desc, le, px, dir, kf)
	return lm
}

// AddObservation appends an observation and refreshes the averages.
func (l *Line) AddObservation(desc feature.Descriptor, le r3.Vector, px [2]r2.Point, dir r3.Vector, kf int) {
	l.Descs = append(l.Descs, desc)
	l.LeObs = append(l.LeObs, le)
	l.Endpoints = append(l.Endpoints, px)
	l.Dirs = append(l.Dirs, dir)
	l.KFs = append(l.KFs, kf)
	l.UpdateAverage()
}

// RemoveObservation drops the observation from keyframe kf, returning whether
// one was found.
func (l *Line) RemoveObservation(kf int) bool {
	for i, k := range l.KFs {
		if k != kf {
			continue
		}
		l.Descs = append(l.Descs[:i], l.Descs[i+1:]...)
		l.LeObs = append(l.LeObs[:i], l.LeObs[i+1:]...)
		l.Endpoints = append(l.Endpoints[:i], l.Endpoints[i+1:]...)
		l.Dirs = append(l.Dirs[:i], l.Dirs[i+1:]...)
		l.KFs = append(l.KFs[:i], l.KFs[i+1:]...)
		if len(l.KFs) > 0 {
			l.UpdateAverage()
		}
		return true
	}
	return false
}

// ObservedBy reports whether keyframe kf observes this landmark.
func (l *Line) ObservedBy(kf int) bool {
	for _, k := range l.KFs {
		if k == kf {
			return true
		}
	}
	return false
}

// UpdateAverage recomputes the medoid descriptor and mean viewing direction.
func (l *Line) UpdateAverage() {
	l.MedDesc = medoid(l.Descs)
	l.MedDir = meanDirection(l.Dirs)
}

// medoid picks the descriptor minimizing the summed Hamming distance to the
// rest. Returns nil for an empty list.
func medoid(descs []feature.Descriptor) feature.Descriptor {
	if len(descs) == 0 {
		return nil
	}
	best, bestSum := 0, int(^uint(0)>>1)
	for i, di := range descs {
		sum := 0
		for j, dj := range descs {
			if i == j {
				continue
			}
			sum += di.Distance(dj)
		}
		if sum < bestSum {
			bestSum = sum
			best = i
		}
	}
	return descs[best]
}

func meanDirection(dirs []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, d := range dirs {
		sum = sum.Add(d)
	}
	if sum.Norm() == 0 {
		return r3.Vector{}
	}
	return sum.Normalize()
}
