// Package mapping implements the map handler of the stereo point/line SLAM
// backend: keyframe insertion, feature association against the previous
// keyframe and the local map, local bundle adjustment, landmark and keyframe
// culling, and the loop closure pipeline.
package mapping

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"

	"github.com/plslam/slam/ba"
	"github.com/plslam/slam/camera"
	"github.com/plslam/slam/config"
	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/graph"
	"github.com/plslam/slam/keyframe"
	"github.com/plslam/slam/landmark"
	"github.com/plslam/slam/se3"
	"github.com/plslam/slam/vocab"
)

// Handler owns the map. All map state is guarded by mapMu; the bundle
// adjustment solvers run on snapshots of it and their results are committed
// back under the same lock.
type Handler struct {
	cfg    *config.Config
	cam    *camera.PinholeStereo
	logger golog.Logger

	vocabP vocab.Vocabulary
	vocabL vocab.Vocabulary

	mapMu     sync.Mutex
	kfs       []*keyframe.KeyFrame
	store     *landmark.Store
	fullGraph *graph.Covisibility
	confusion *graph.Confusion
	maxKFID   int

	// pose of the newest keyframe, cached between association stages
	twf mgl64.Mat4 // world-to-camera of the newest keyframe
	dt  mgl64.Mat4 // previous-camera-to-newest-camera

	lcState       lcState
	lcConstraints []*lcConstraint

	// sendMu fences enqueueing against Close: senders hold it shared
	// across the channel send, Close takes it exclusively before closing
	// the queue.
	sendMu    sync.RWMutex
	queue     chan queued
	workers   sync.WaitGroup
	workerErr error
	closed    bool
}

type queued struct {
	bundle *feature.Bundle
	rel    mgl64.Mat4
}

// NewHandler builds an empty map around the given camera model. In
// multithreaded mode keyframes are processed by a background worker fed
// through a bounded queue.
func NewHandler(cam *camera.PinholeStereo, cfg *config.Config, logger golog.Logger) (*Handler, error) {
	if cam == nil {
		return nil, errors.New("mapping: nil camera")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	voc, err := vocab.NewPrefixVocabulary(cfg.VocabularyBits)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		cfg:       cfg,
		cam:       cam,
		logger:    logger,
		vocabP:    voc,
		vocabL:    voc,
		store:     landmark.NewStore(),
		fullGraph: graph.NewCovisibility(),
		confusion: graph.NewConfusion(),
		lcState:   lcIdle,
	}
	if cfg.Multithreaded {
		h.queue = make(chan queued, cfg.QueueSize)
		h.startWorker()
	}
	return h, nil
}

// AddKeyFrame inserts one stereo keyframe. The pose is relative to the
// previous keyframe (the first keyframe's pose is taken as absolute). In
// multithreaded mode the call only enqueues; otherwise it runs the full
// insertion pipeline before returning.
func (h *Handler) AddKeyFrame(bundle *feature.Bundle, rel mgl64.Mat4) error {
	if bundle == nil {
		return errors.New("mapping: nil feature bundle")
	}
	if h.cfg.Multithreaded {
		h.sendMu.RLock()
		defer h.sendMu.RUnlock()
		h.mapMu.Lock()
		closed := h.closed
		h.mapMu.Unlock()
		if closed {
			return errors.New("mapping: handler closed")
		}
		h.queue <- queued{bundle: bundle, rel: rel}
		return nil
	}
	h.mapMu.Lock()
	defer h.mapMu.Unlock()
	return h.processKeyFrame(bundle, rel)
}

// Close drains the worker and releases the handler. Safe to call once.
func (h *Handler) Close() error {
	h.mapMu.Lock()
	if h.closed {
		h.mapMu.Unlock()
		return nil
	}
	h.closed = true
	h.mapMu.Unlock()
	if h.cfg.Multithreaded {
		h.sendMu.Lock()
		close(h.queue)
		h.sendMu.Unlock()
		h.workers.Wait()
	}
	h.mapMu.Lock()
	h.lcState = lcTerminated
	err := h.workerErr
	h.mapMu.Unlock()
	return err
}

// processKeyFrame runs the synchronous insertion pipeline. Caller holds
// mapMu.
func (h *Handler) processKeyFrame(bundle *feature.Bundle, rel mgl64.Mat4) error {
	bundle.ResetAssociations()

	if len(h.kfs) == 0 {
		curr := keyframe.New(0, se3.Normalize(rel), bundle)
		h.insertBow(curr)
		h.kfs = append(h.kfs, curr)
		h.maxKFID = 0
		h.logger.Debugw("map initialized", "points", len(bundle.Points), "lines", len(bundle.Lines))
		return nil
	}

	prev := h.newestKeyFrame()
	if prev == nil {
		return errors.New("mapping: no live keyframe to associate against")
	}
	pose := se3.Normalize(se3.Mul(prev.Pose, rel))
	curr := keyframe.New(len(h.kfs), pose, bundle)
	h.twf = se3.Inverse(curr.Pose)
	h.dt = se3.Mul(h.twf, prev.Pose)

	h.fullGraph.Expand()
	h.confusion.Expand()

	start := time.Now()
	nPt, nLs := h.lookForCommonMatches(prev, curr)
	tMatch := time.Since(start)

	start = time.Now()
	h.insertBow(curr)
	h.kfs = append(h.kfs, curr)
	h.maxKFID = curr.ID
	tInsert := time.Since(start)

	start = time.Now()
	h.formLocalMap(curr)
	tLocal := time.Since(start)

	start = time.Now()
	res, err := ba.Local(h.kfs, h.store, h.cam, h.cfg)
	if err != nil {
		h.logger.Debugw("local bundle adjustment skipped", "kf", curr.ID, "reason", err)
	} else {
		h.commit(res)
	}
	tLBA := time.Since(start)

	start = time.Now()
	h.removeBadLandmarks()
	h.removeRedundantKeyFrames()
	tCull := time.Since(start)

	start = time.Now()
	h.loopClosure(curr.ID)
	tLC := time.Since(start)

	h.logger.Debugw("keyframe processed",
		"kf", curr.ID,
		"pointMatches", nPt,
		"lineMatches", nLs,
		"match", tMatch,
		"insert", tInsert,
		"localMap", tLocal,
		"lba", tLBA,
		"cull", tCull,
		"loopClosure", tLC,
	)
	return nil
}

// GlobalBundleAdjustment refines every keyframe pose and landmark in the
// map, holding the first keyframe fixed.
func (h *Handler) GlobalBundleAdjustment() error {
	h.mapMu.Lock()
	defer h.mapMu.Unlock()
	res, err := ba.Global(h.kfs, h.store, h.cam, h.cfg)
	if err != nil {
		return errors.Wrap(err, "global bundle adjustment")
	}
	h.commit(res)
	h.logger.Debugw("global bundle adjustment",
		"initialErr", res.InitialErr, "finalErr", res.FinalErr, "iterations", res.Iterations)
	return nil
}

// KeyFrames returns the keyframe slice indexed by id. Removed keyframes are
// nil. The slice is a snapshot; the keyframes themselves are shared.
func (h *Handler) KeyFrames() []*keyframe.KeyFrame {
	h.mapMu.Lock()
	defer h.mapMu.Unlock()
	out := make([]*keyframe.KeyFrame, len(h.kfs))
	copy(out, h.kfs)
	return out
}

// Landmarks returns the live point and line landmark counts.
func (h *Handler) Landmarks() (points, lines int) {
	h.mapMu.Lock()
	defer h.mapMu.Unlock()
	for _, lm := range h.store.Points {
		if lm != nil {
			points++
		}
	}
	for _, lm := range h.store.Lines {
		if lm != nil {
			lines++
		}
	}
	return points, lines
}

func (h *Handler) newestKeyFrame() *keyframe.KeyFrame {
	for i := len(h.kfs) - 1; i >= 0; i-- {
		if h.kfs[i] != nil {
			return h.kfs[i]
		}
	}
	return nil
}
