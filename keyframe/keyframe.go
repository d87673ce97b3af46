// Package keyframe defines the keyframe record the mapping backend keeps per
// inserted stereo frame.
package keyframe

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/se3"
	"github.com/plslam/slam/vocab"
)

// KeyFrame is one node of the map. Pose is the camera-to-world transform
// T_kf_w, so a camera-frame point p maps to the world as Pose * p.
type KeyFrame struct {
	ID     int
	Pose   mgl64.Mat4
	X      se3.Twist // cached Log(Pose)
	Bundle *feature.Bundle

	BowP vocab.Vector // point-descriptor signature
	BowL vocab.Vector // line-descriptor signature

	Local bool // selected into the current local map
}

// New builds a keyframe at the given camera-to-world pose.
func New(id int, pose mgl64.Mat4, bundle *feature.Bundle) *KeyFrame {
	kf := &KeyFrame{ID: id, Bundle: bundle}
	kf.SetPose(pose)
	return kf
}

// SetPose stores the pose and refreshes the cached twist.
func (kf *KeyFrame) SetPose(pose mgl64.Mat4) {
	kf.Pose = pose
	kf.X = se3.Log(pose)
}

// CountAssociated returns the number of point and line features currently
// associated to a landmark.
func (kf *KeyFrame) CountAssociated() (points, lines int) {
	if kf.Bundle == nil {
		return 0, 0
	}
	for _, pt := range kf.Bundle.Points {
		if pt != nil && pt.Landmark != feature.Unassociated {
			points++
		}
	}
	for _, ls := range kf.Bundle.Lines {
		if ls != nil && ls.Landmark != feature.Unassociated {
			lines++
		}
	}
	return points, lines
}
