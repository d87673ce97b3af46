// Command mapper runs the mapping backend offline over a recorded keyframe
// dataset and writes the optimized trajectory in TUM format.
package main

import (
	"context"
	"flag"
	"math"
	"os"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"github.com/plslam/slam/camera"
	"github.com/plslam/slam/config"
	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/mapping"
	"github.com/plslam/slam/se3"
)

var logger = golog.NewDevelopmentLogger("mapper")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	datasetPath := fs.String("dataset", "", "keyframe dataset (YAML)")
	configPath := fs.String("config", "", "mapping configuration (YAML, optional)")
	outPath := fs.String("out", "trajectory.txt", "TUM trajectory output")
	globalBA := fs.Bool("gba", false, "run a global bundle adjustment before export")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *datasetPath == "" {
		return errors.New("missing required -dataset")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.FromFile(*configPath); err != nil {
			return err
		}
	}

	ds, err := loadDataset(*datasetPath)
	if err != nil {
		return err
	}
	cam, err := camera.NewPinholeStereo(
		ds.Camera.Fx, ds.Camera.Fy, ds.Camera.Cx, ds.Camera.Cy,
		ds.Camera.Baseline, ds.Camera.Width, ds.Camera.Height)
	if err != nil {
		return err
	}

	h, err := mapping.NewHandler(cam, &cfg, logger)
	if err != nil {
		return err
	}
	for i, kf := range ds.KeyFrames {
		if ctx.Err() != nil {
			break
		}
		bundle := kf.bundle(cam, ds.Camera.Width, ds.Camera.Height)
		if err := h.AddKeyFrame(bundle, se3.Exp(kf.twist())); err != nil {
			logger.Errorw("keyframe rejected", "index", i, "error", err)
		}
	}
	if err := h.Close(); err != nil {
		logger.Errorw("mapping finished with errors", "error", err)
	}

	if *globalBA {
		if err := h.GlobalBundleAdjustment(); err != nil {
			logger.Errorw("global bundle adjustment failed", "error", err)
		}
	}

	points, lines := h.Landmarks()
	logger.Infow("map built", "keyframes", len(ds.KeyFrames), "points", points, "lines", lines)
	return h.SaveTrajectoryTUM(*outPath)
}

type dataset struct {
	Camera struct {
		Fx       float64 `yaml:"fx"`
		Fy       float64 `yaml:"fy"`
		Cx       float64 `yaml:"cx"`
		Cy       float64 `yaml:"cy"`
		Baseline float64 `yaml:"baseline"`
		Width    int     `yaml:"width"`
		Height   int     `yaml:"height"`
	} `yaml:"camera"`
	KeyFrames []datasetKeyFrame `yaml:"keyframes"`
}

type datasetKeyFrame struct {
	Timestamp float64       `yaml:"timestamp"`
	Rel       [6]float64    `yaml:"rel"` // twist relative to the previous keyframe
	Points    []datasetPt   `yaml:"points"`
	Lines     []datasetLine `yaml:"lines"`
}

type datasetPt struct {
	Px        [2]float64 `yaml:"px"`
	Disparity float64    `yaml:"disparity"`
	Desc      []byte     `yaml:"desc"`
}

type datasetLine struct {
	SPx   [2]float64 `yaml:"spx"`
	EPx   [2]float64 `yaml:"epx"`
	SDisp float64    `yaml:"sdisp"`
	EDisp float64    `yaml:"edisp"`
	Desc  []byte     `yaml:"desc"`
}

func loadDataset(path string) (*dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read dataset")
	}
	var ds dataset
	if err := yaml.Unmarshal(raw, &ds); err != nil {
		return nil, errors.Wrap(err, "parse dataset")
	}
	if len(ds.KeyFrames) == 0 {
		return nil, errors.New("dataset holds no keyframes")
	}
	return &ds, nil
}

func (k *datasetKeyFrame) twist() se3.Twist {
	return se3.Twist(k.Rel)
}

func (k *datasetKeyFrame) bundle(cam *camera.PinholeStereo, width, height int) *feature.Bundle {
	b := &feature.Bundle{Timestamp: k.Timestamp, Width: width, Height: height}
	for _, pt := range k.Points {
		px := r2.Point{X: pt.Px[0], Y: pt.Px[1]}
		b.Points = append(b.Points, &feature.Point{
			Px:        px,
			Disparity: pt.Disparity,
			P:         cam.BackProject(px, pt.Disparity),
			Desc:      feature.Descriptor(pt.Desc),
			Landmark:  feature.Unassociated,
		})
	}
	for _, ls := range k.Lines {
		spx := r2.Point{X: ls.SPx[0], Y: ls.SPx[1]}
		epx := r2.Point{X: ls.EPx[0], Y: ls.EPx[1]}
		b.Lines = append(b.Lines, &feature.Line{
			SPx:      spx,
			EPx:      epx,
			SDisp:    ls.SDisp,
			EDisp:    ls.EDisp,
			SP:       cam.BackProject(spx, ls.SDisp),
			EP:       cam.BackProject(epx, ls.EDisp),
			Le:       lineEquation(spx, epx),
			Desc:     feature.Descriptor(ls.Desc),
			Landmark: feature.Unassociated,
		})
	}
	return b
}

// lineEquation returns the homogeneous image line through two pixels,
// scaled so evaluating it measures pixel distance.
func lineEquation(a, b r2.Point) r3.Vector {
	l := r3.Vector{X: a.X, Y: a.Y, Z: 1}.Cross(r3.Vector{X: b.X, Y: b.Y, Z: 1})
	if n := math.Hypot(l.X, l.Y); n > 0 {
		l = l.Mul(1 / n)
	}
	return l
}
