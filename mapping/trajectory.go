package mapping

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/plslam/slam/se3"
)

// SaveTrajectoryTUM writes the surviving keyframe poses in TUM trajectory
// format: one "timestamp tx ty tz qx qy qz qw" line per keyframe in
// insertion order.
func (h *Handler) SaveTrajectoryTUM(path string) (err error) {
	h.mapMu.Lock()
	defer h.mapMu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save trajectory")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	for _, kf := range h.kfs {
		if kf == nil {
			continue
		}
		t := se3.Translation(kf.Pose)
		q := se3.Quaternion(kf.Pose)
		ts := 0.0
		if kf.Bundle != nil {
			ts = kf.Bundle.Timestamp
		}
		_, err = fmt.Fprintf(w, "%.6f %.7f %.7f %.7f %.7f %.7f %.7f %.7f\n",
			ts, t.X, t.Y, t.Z, q.V[0], q.V[1], q.V[2], q.W)
		if err != nil {
			return errors.Wrap(err, "save trajectory")
		}
	}
	return errors.Wrap(w.Flush(), "save trajectory")
}
