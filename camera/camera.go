// Package camera models the rectified pinhole stereo camera the mapping
// backend projects through. Only the left camera intrinsics matter for
// reprojection; the baseline is used to back-project stereo disparities.
package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// PinholeStereo holds rectified stereo intrinsics.
type PinholeStereo struct {
	Fx, Fy   float64
	Cx, Cy   float64
	Baseline float64
	Width    int
	Height   int
}

// NewPinholeStereo validates the intrinsics and returns the model.
func NewPinholeStereo(fx, fy, cx, cy, baseline float64, width, height int) (*PinholeStereo, error) {
	if fx <= 0 || fy <= 0 {
		return nil, errors.Errorf("focal lengths must be positive (fx=%v fy=%v)", fx, fy)
	}
	if baseline <= 0 {
		return nil, errors.Errorf("baseline must be positive (got %v)", baseline)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("image size must be positive (%dx%d)", width, height)
	}
	return &PinholeStereo{Fx: fx, Fy: fy, Cx: cx, Cy: cy, Baseline: baseline, Width: width, Height: height}, nil
}

// Project maps a camera-frame 3D point to pixel coordinates.
func (c *PinholeStereo) Project(p r3.Vector) r2.Point {
	return r2.Point{
		X: c.Fx*(p.X/p.Z) + c.Cx,
		Y: c.Fy*(p.Y/p.Z) + c.Cy,
	}
}

// BackProject maps a left-image pixel with stereo disparity to a camera-frame
// 3D point.
func (c *PinholeStereo) BackProject(px r2.Point, disparity float64) r3.Vector {
	z := c.Baseline * c.Fx / disparity
	return r3.Vector{
		X: (px.X - c.Cx) * z / c.Fx,
		Y: (px.Y - c.Cy) * z / c.Fy,
		Z: z,
	}
}

// InImage reports whether a pixel lands strictly inside the image bounds.
func (c *PinholeStereo) InImage(px r2.Point) bool {
	return px.X > 0 && px.X < float64(c.Width) && px.Y > 0 && px.Y < float64(c.Height)
}

// InFront reports whether a camera-frame point has positive depth.
func (c *PinholeStereo) InFront(p r3.Vector) bool {
	return p.Z > 0
}
