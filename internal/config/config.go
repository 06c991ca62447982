// Package config loads the server configuration from defaults, an optional
// YAML file and SNAPCLASS_ environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix prefixes environment overrides, e.g. SNAPCLASS_SERVER_PORT.
const EnvPrefix = "SNAPCLASS_"

// ServerConfig defines the HTTP server.
type ServerConfig struct {
	Port           int           `koanf:"port"`
	PredictTimeout time.Duration `koanf:"predicttimeout"`
	MaxUploadBytes int64         `koanf:"maxuploadbytes"`
}

// ModelConfig locates the model bundle and picks the backend that runs it.
type ModelConfig struct {
	Dir        string `koanf:"dir"`
	Descriptor string `koanf:"descriptor"`
	Backend    string `koanf:"backend"`
	ONNX       struct {
		SharedLibrary  string `koanf:"sharedlibrary"`
		IntraOpThreads int    `koanf:"intraopthreads"`
	} `koanf:"onnx"`
}

// PreprocessConfig tunes image decoding.
type PreprocessConfig struct {
	MaxSourceSide uint `koanf:"maxsourceside"`
}

// MemoryConfig caps the bytes held by live tensors. Zero disables the cap.
type MemoryConfig struct {
	LimitBytes int64 `koanf:"limitbytes"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// AppConfig is the full configuration.
type AppConfig struct {
	Server     ServerConfig     `koanf:"server"`
	Model      ModelConfig      `koanf:"model"`
	Preprocess PreprocessConfig `koanf:"preprocess"`
	Memory     MemoryConfig     `koanf:"memory"`
	Log        LogConfig        `koanf:"log"`
}

var defaults = map[string]any{
	"server.port":           8080,
	"server.predicttimeout": "30s",
	"server.maxuploadbytes": 10 << 20,
	"model.dir":             "models",
	"model.descriptor":      "model.json",
	"model.backend":         "dense",
	"memory.limitbytes":     512 << 20,
	"log.level":             "info",
}

// Load builds the configuration. filePath may be empty to skip the file.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", filePath, err)
		}
	}

	// PORT is honoured for platforms that only set that variable.
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		if err := k.Load(confmap.Provider(map[string]any{"server.port": p}, "."), nil); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig rejects settings the server cannot run with.
func ValidateConfig(cfg *AppConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.PredictTimeout <= 0 {
		return fmt.Errorf("server.predicttimeout must be positive")
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.maxuploadbytes must be positive")
	}
	switch cfg.Model.Backend {
	case "dense", "onnx":
	default:
		return fmt.Errorf("model.backend %q is not one of dense, onnx", cfg.Model.Backend)
	}
	if cfg.Model.Dir == "" {
		return fmt.Errorf("model.dir is required")
	}
	if cfg.Memory.LimitBytes < 0 {
		return fmt.Errorf("memory.limitbytes must not be negative")
	}
	return nil
}
