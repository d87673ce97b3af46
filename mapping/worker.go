package mapping

import (
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// startWorker launches the background mapping worker. Keyframes are taken
// off the queue in insertion order; each one runs the full pipeline under
// the map lock, so callers observe the same ordering as the synchronous
// path.
func (h *Handler) startWorker() {
	h.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer h.workers.Done()
		for q := range h.queue {
			h.mapMu.Lock()
			err := h.processKeyFrame(q.bundle, q.rel)
			if err != nil {
				h.workerErr = multierr.Append(h.workerErr, err)
				h.logger.Errorw("keyframe processing failed", "error", err)
			}
			h.mapMu.Unlock()
		}
	})
}
