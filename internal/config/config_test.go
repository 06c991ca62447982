package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestLoad_Defaults(t *testing.T) {
	c := qt.New(t)
	t.Setenv("PORT", "")

	cfg, err := Load("")
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Server.Port, qt.Equals, 8080)
	c.Assert(cfg.Server.PredictTimeout, qt.Equals, 30*time.Second)
	c.Assert(cfg.Server.MaxUploadBytes, qt.Equals, int64(10<<20))
	c.Assert(cfg.Model.Dir, qt.Equals, "models")
	c.Assert(cfg.Model.Descriptor, qt.Equals, "model.json")
	c.Assert(cfg.Model.Backend, qt.Equals, "dense")
	c.Assert(cfg.Memory.LimitBytes, qt.Equals, int64(512<<20))
	c.Assert(cfg.Log.Level, qt.Equals, "info")
}

func TestLoad_FileThenEnv(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
server:
  port: 9000
  predicttimeout: 5s
model:
  backend: onnx
  dir: /srv/models
  onnx:
    sharedlibrary: /usr/lib/libonnxruntime.so
    intraopthreads: 2
preprocess:
  maxsourceside: 1024
log:
  development: true
`), 0o644)
	c.Assert(err, qt.IsNil)

	t.Setenv("PORT", "")
	t.Setenv("SNAPCLASS_SERVER_PORT", "9100")
	t.Setenv("SNAPCLASS_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Server.Port, qt.Equals, 9100)
	c.Assert(cfg.Server.PredictTimeout, qt.Equals, 5*time.Second)
	c.Assert(cfg.Model.Backend, qt.Equals, "onnx")
	c.Assert(cfg.Model.Dir, qt.Equals, "/srv/models")
	c.Assert(cfg.Model.ONNX.SharedLibrary, qt.Equals, "/usr/lib/libonnxruntime.so")
	c.Assert(cfg.Model.ONNX.IntraOpThreads, qt.Equals, 2)
	c.Assert(cfg.Preprocess.MaxSourceSide, qt.Equals, uint(1024))
	c.Assert(cfg.Log.Level, qt.Equals, "debug")
	c.Assert(cfg.Log.Development, qt.IsTrue)
}

func TestLoad_PortFallback(t *testing.T) {
	c := qt.New(t)
	t.Setenv("PORT", "3000")

	cfg, err := Load("")
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Server.Port, qt.Equals, 3000)

	t.Setenv("PORT", "http")
	_, err = Load("")
	c.Assert(err, qt.ErrorMatches, `invalid PORT "http".*`)
}

func TestLoad_MissingFile(t *testing.T) {
	c := qt.New(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	c.Assert(err, qt.ErrorMatches, "failed to load config file .*")
}

func TestValidateConfig(t *testing.T) {
	c := qt.New(t)

	valid := func() *AppConfig {
		cfg := &AppConfig{}
		cfg.Server.Port = 8080
		cfg.Server.PredictTimeout = time.Second
		cfg.Server.MaxUploadBytes = 1
		cfg.Model.Backend = "dense"
		cfg.Model.Dir = "models"
		return cfg
	}
	c.Assert(ValidateConfig(valid()), qt.IsNil)

	testCases := []struct {
		mutate func(*AppConfig)
		msg    string
	}{
		{func(cfg *AppConfig) { cfg.Server.Port = 0 }, "server.port 0 out of range"},
		{func(cfg *AppConfig) { cfg.Server.PredictTimeout = 0 }, "server.predicttimeout must be positive"},
		{func(cfg *AppConfig) { cfg.Server.MaxUploadBytes = 0 }, "server.maxuploadbytes must be positive"},
		{func(cfg *AppConfig) { cfg.Model.Backend = "tflite" }, `model.backend "tflite" is not one of dense, onnx`},
		{func(cfg *AppConfig) { cfg.Model.Dir = "" }, "model.dir is required"},
		{func(cfg *AppConfig) { cfg.Memory.LimitBytes = -1 }, "memory.limitbytes must not be negative"},
	}
	for _, tc := range testCases {
		cfg := valid()
		tc.mutate(cfg)
		c.Check(ValidateConfig(cfg), qt.ErrorMatches, tc.msg)
	}
}
