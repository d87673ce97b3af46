package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	test.That(t, c.Validate(), test.ShouldBeNil)
}

func TestValidateCollectsErrors(t *testing.T) {
	c := Default()
	c.MatchRatioP = 1.5
	c.LambdaK = 0.5
	c.Backend = "ceres"
	err := c.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "match_ratio_points")
	test.That(t, err.Error(), test.ShouldContainSubstring, "lambda_k")
	test.That(t, err.Error(), test.ShouldContainSubstring, "ceres")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapper.yaml")
	body := []byte("match_window: 5\nline_param: plucker\nqueue_size: 4\n")
	test.That(t, os.WriteFile(path, body, 0o644), test.ShouldBeNil)

	c, err := FromFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.MatchWindow, test.ShouldEqual, 5)
	test.That(t, c.LineParam, test.ShouldEqual, LineParamPlucker)
	test.That(t, c.QueueSize, test.ShouldEqual, 4)
	// untouched keys keep defaults
	test.That(t, c.MaxLMAge, test.ShouldEqual, 10)

	_, err = FromFile(filepath.Join(dir, "absent.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFromFileInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	test.That(t, os.WriteFile(path, []byte("backend: magic\n"), 0o644), test.ShouldBeNil)
	_, err := FromFile(path)
	test.That(t, err, test.ShouldNotBeNil)
}
