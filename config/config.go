// Package config carries the tuning parameters of the mapping backend and
// loads them from YAML.
package config

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Line parameterizations for bundle adjustment.
const (
	LineParamEndpoints = "endpoints"
	LineParamPlucker   = "plucker"
)

// Bundle adjustment backends.
const (
	BackendBuiltin = "builtin"
	BackendGraph   = "graph"
)

// Config holds every tunable of the mapping backend.
type Config struct {
	// feature association
	GridMatching    bool    `yaml:"grid_matching"`
	Refinement      bool    `yaml:"refinement"`
	MatchWindow     int     `yaml:"match_window"`
	MatchRatioP     float64 `yaml:"match_ratio_points"`
	MatchRatioL     float64 `yaml:"match_ratio_lines"`
	MinLineCos      float64 `yaml:"min_line_cos"`
	MinPointMatches int     `yaml:"min_point_matches"`
	MinLineMatches  int     `yaml:"min_line_matches"`
	MaxKFEpipP      float64 `yaml:"max_kf_epip_points"`
	MaxKFEpipL      float64 `yaml:"max_kf_epip_lines"`

	// keyframe selection and culling
	MinFeatures    int     `yaml:"min_features"`
	KFInlierRatio  float64 `yaml:"kf_inlier_ratio"` // percent
	MaxCommonFtsKF float64 `yaml:"max_common_fts_kf"`
	MinLMObs       int     `yaml:"min_lm_obs"`
	MaxLMAge       int     `yaml:"max_lm_age"`

	// graphs and local map
	MinLMCovGraph int `yaml:"min_lm_cov_graph"`
	MinKFLocalMap int `yaml:"min_kf_local_map"`
	MinLMEssGraph int `yaml:"min_lm_ess_graph"`

	// bundle adjustment
	LambdaLBA      float64 `yaml:"lambda_lba"`
	LambdaK        float64 `yaml:"lambda_k"`
	MaxItersLBA    int     `yaml:"max_iters_lba"`
	MinError       float64 `yaml:"min_error"`
	MinErrorChange float64 `yaml:"min_error_change"`
	HomogTh        float64 `yaml:"homog_th"`
	LineParam      string  `yaml:"line_param"`
	Backend        string  `yaml:"backend"`

	// loop closure
	VocabularyBits uint    `yaml:"vocabulary_bits"`
	LCKFDist       int     `yaml:"lc_kf_dist"`
	LCKFMaxDist    int     `yaml:"lc_kf_max_dist"`
	LCNKFClosest   int     `yaml:"lc_nkf_closest"`
	LCInlierRatio  float64 `yaml:"lc_inlier_ratio"` // percent
	LCRes          float64 `yaml:"lc_res"`
	LCUnc          float64 `yaml:"lc_unc"`
	LCInl          float64 `yaml:"lc_inl"`
	LCTrs          float64 `yaml:"lc_trs"`
	LCRot          float64 `yaml:"lc_rot"` // degrees
	MaxIters       int     `yaml:"max_iters"`
	MaxItersRef    int     `yaml:"max_iters_ref"`
	MaxItersPGO    int     `yaml:"max_iters_pgo"`

	// concurrency
	Multithreaded bool `yaml:"multithreaded"`
	QueueSize     int  `yaml:"queue_size"`
}

// Default returns the standard parameter set.
func Default() Config {
	return Config{
		GridMatching:    true,
		Refinement:      true,
		MatchWindow:     10,
		MatchRatioP:     0.75,
		MatchRatioL:     0.75,
		MinLineCos:      0.75,
		MinPointMatches: 10,
		MinLineMatches:  6,
		MaxKFEpipP:      1.0,
		MaxKFEpipL:      1.0,

		MinFeatures:    15,
		KFInlierRatio:  30,
		MaxCommonFtsKF: 0.9,
		MinLMObs:       5,
		MaxLMAge:       10,

		MinLMCovGraph: 20,
		MinKFLocalMap: 3,
		MinLMEssGraph: 50,

		LambdaLBA:      1e-5,
		LambdaK:        10,
		MaxItersLBA:    15,
		MinError:       1e-7,
		MinErrorChange: 1e-7,
		HomogTh:        1e-7,
		LineParam:      LineParamEndpoints,
		Backend:        BackendBuiltin,

		VocabularyBits: 12,
		LCKFDist:       50,
		LCKFMaxDist:    50,
		LCNKFClosest:   4,
		LCInlierRatio:  30,
		LCRes:          1.5,
		LCUnc:          0.01,
		LCInl:          0.3,
		LCTrs:          1.5,
		LCRot:          35,
		MaxIters:       10,
		MaxItersRef:    10,
		MaxItersPGO:    100,

		Multithreaded: false,
		QueueSize:     16,
	}
}

// Validate checks the configuration, collecting every problem found.
func (c *Config) Validate() error {
	var err error
	if c.MatchWindow < 1 {
		err = multierr.Append(err, errors.New("match_window must be positive"))
	}
	if c.MatchRatioP <= 0 || c.MatchRatioP >= 1 {
		err = multierr.Append(err, errors.New("match_ratio_points must be in (0,1)"))
	}
	if c.MatchRatioL <= 0 || c.MatchRatioL >= 1 {
		err = multierr.Append(err, errors.New("match_ratio_lines must be in (0,1)"))
	}
	if c.MinFeatures < 0 {
		err = multierr.Append(err, errors.New("min_features must be non-negative"))
	}
	if c.KFInlierRatio < 0 || c.KFInlierRatio > 100 {
		err = multierr.Append(err, errors.New("kf_inlier_ratio must be a percentage"))
	}
	if c.MaxCommonFtsKF <= 0 || c.MaxCommonFtsKF > 1 {
		err = multierr.Append(err, errors.New("max_common_fts_kf must be in (0,1]"))
	}
	if c.MinLMObs < 1 {
		err = multierr.Append(err, errors.New("min_lm_obs must be positive"))
	}
	if c.MaxLMAge < 1 {
		err = multierr.Append(err, errors.New("max_lm_age must be positive"))
	}
	if c.LambdaLBA <= 0 {
		err = multierr.Append(err, errors.New("lambda_lba must be positive"))
	}
	if c.LambdaK <= 1 {
		err = multierr.Append(err, errors.New("lambda_k must exceed 1"))
	}
	if c.MaxItersLBA < 1 || c.MaxIters < 1 || c.MaxItersRef < 1 || c.MaxItersPGO < 1 {
		err = multierr.Append(err, errors.New("iteration limits must be positive"))
	}
	if c.HomogTh <= 0 {
		err = multierr.Append(err, errors.New("homog_th must be positive"))
	}
	switch c.LineParam {
	case LineParamEndpoints, LineParamPlucker:
	default:
		err = multierr.Append(err, errors.Errorf("unknown line_param %q", c.LineParam))
	}
	switch c.Backend {
	case BackendBuiltin, BackendGraph:
	default:
		err = multierr.Append(err, errors.Errorf("unknown backend %q", c.Backend))
	}
	if c.VocabularyBits < 1 || c.VocabularyBits > 32 {
		err = multierr.Append(err, errors.New("vocabulary_bits must be in [1,32]"))
	}
	if c.LCNKFClosest < 1 {
		err = multierr.Append(err, errors.New("lc_nkf_closest must be positive"))
	}
	if c.LCInlierRatio < 0 || c.LCInlierRatio > 100 {
		err = multierr.Append(err, errors.New("lc_inlier_ratio must be a percentage"))
	}
	if c.QueueSize < 1 {
		err = multierr.Append(err, errors.New("queue_size must be positive"))
	}
	return err
}

// FromFile loads a YAML config. Missing keys keep their defaults.
func FromFile(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrap(err, "parsing config")
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
