// Package config loads the YAML configuration shared by the bmsforest
// subcommands.
package config

import (
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
)

// ForestConfig holds the random forest hyperparameters.
type ForestConfig struct {
	NEstimators int     `yaml:"n_estimators"`
	MaxDepth    int     `yaml:"max_depth"`
	NJobs       int     `yaml:"n_jobs"`
	RandomState *uint64 `yaml:"random_state"` // nil: 毎回エントロピーから
	OOBScore    bool    `yaml:"oob_score"`
}

// DataConfig selects the training data. TrainCSV wins over synthetic data
// when set.
type DataConfig struct {
	TrainCSV         string `yaml:"train_csv"`
	SyntheticSamples int    `yaml:"synthetic_samples"`
	CVFolds          int    `yaml:"cv_folds"`
}

// ModelConfig locates the model file.
type ModelConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig locates the run history database. Empty disables it.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the prediction service.
type HTTPConfig struct {
	Port      int           `yaml:"port"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
	Watch     bool          `yaml:"watch"`
}

// LogConfig configures logging. File enables rotation through lumberjack.
type LogConfig struct {
	Level      string `yaml:"level"`
	Backend    string `yaml:"backend"` // slog | zerolog
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the top-level configuration.
type Config struct {
	Forest   ForestConfig   `yaml:"forest"`
	Data     DataConfig     `yaml:"data"`
	Model    ModelConfig    `yaml:"model"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	seed := uint64(42)
	return &Config{
		Forest: ForestConfig{
			NEstimators: 50,
			MaxDepth:    10,
			RandomState: &seed,
			OOBScore:    true,
		},
		Data: DataConfig{
			SyntheticSamples: 500,
			CVFolds:          5,
		},
		Model: ModelConfig{Path: "bmsforest.model"},
		HTTP: HTTPConfig{
			Port:      8080,
			Timeout:   30 * time.Second,
			CacheSize: 1024,
		},
		Log: LogConfig{
			Level:      "info",
			Backend:    "slog",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path on top of Default. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Decode reads YAML from r on top of Default and validates the result.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid field as a ValidationError.
func (c *Config) Validate() error {
	switch {
	case c.Forest.NEstimators < 1:
		return errors.NewValidationError("forest.n_estimators", "must be >= 1", c.Forest.NEstimators)
	case c.Forest.MaxDepth < 0:
		return errors.NewValidationError("forest.max_depth", "must be >= 0", c.Forest.MaxDepth)
	case c.Forest.NJobs < 0:
		return errors.NewValidationError("forest.n_jobs", "must be >= 0", c.Forest.NJobs)
	case c.Data.TrainCSV == "" && c.Data.SyntheticSamples < 1:
		return errors.NewValidationError("data.synthetic_samples", "must be >= 1 without data.train_csv", c.Data.SyntheticSamples)
	case c.Data.CVFolds == 1 || c.Data.CVFolds < 0:
		return errors.NewValidationError("data.cv_folds", "must be 0 (disabled) or >= 2", c.Data.CVFolds)
	case c.Model.Path == "":
		return errors.NewValidationError("model.path", "must not be empty", c.Model.Path)
	case c.HTTP.Port < 1 || c.HTTP.Port > 65535:
		return errors.NewValidationError("http.port", "must be in [1, 65535]", c.HTTP.Port)
	case c.HTTP.Timeout <= 0:
		return errors.NewValidationError("http.timeout", "must be positive", c.HTTP.Timeout)
	case c.HTTP.CacheSize < 0:
		return errors.NewValidationError("http.cache_size", "must be >= 0", c.HTTP.CacheSize)
	case c.Log.Backend != "slog" && c.Log.Backend != "zerolog":
		return errors.NewValidationError("log.backend", "must be slog or zerolog", c.Log.Backend)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.File != "" && (c.Log.MaxSizeMB < 1 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0) {
		return errors.NewValidationError("log.max_size_mb", "rotation limits must be non-negative and size >= 1", c.Log.MaxSizeMB)
	}
	return nil
}
