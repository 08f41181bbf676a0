// Package config loads and validates copresence configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrInvalidConfiguration is returned by Validate when the configuration
// cannot drive a pipeline run. Nothing runs when it is returned.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Config holds the full application configuration.
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Model     ModelConfig     `yaml:"model" mapstructure:"model"`
	Threshold ThresholdConfig `yaml:"threshold" mapstructure:"threshold"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// PipelineConfig configures co-presence construction.
type PipelineConfig struct {
	WindowMinutes   float64  `yaml:"window_minutes" mapstructure:"window_minutes"`
	Layers          []string `yaml:"layers" mapstructure:"layers"`
	Concurrency     int      `yaml:"concurrency" mapstructure:"concurrency"`
	LocationWorkers int      `yaml:"location_workers" mapstructure:"location_workers"`
}

// Window returns the proximity window as a duration.
func (p PipelineConfig) Window() time.Duration {
	return time.Duration(p.WindowMinutes * float64(time.Minute))
}

// ModelConfig configures the nested outcome regressions.
type ModelConfig struct {
	MobilityMinQuintile int     `yaml:"mobility_min_quintile" mapstructure:"mobility_min_quintile"`
	MaxIterations       int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	Tolerance           float64 `yaml:"tolerance" mapstructure:"tolerance"`
	MinSample           int     `yaml:"min_sample" mapstructure:"min_sample"`
}

// ThresholdConfig configures breakpoint detection.
type ThresholdConfig struct {
	Quantiles        int     `yaml:"quantiles" mapstructure:"quantiles"`
	GridSteps        int     `yaml:"grid_steps" mapstructure:"grid_steps"`
	RefineSteps      int     `yaml:"refine_steps" mapstructure:"refine_steps"`
	GridLowQuantile  float64 `yaml:"grid_low_quantile" mapstructure:"grid_low_quantile"`
	GridHighQuantile float64 `yaml:"grid_high_quantile" mapstructure:"grid_high_quantile"`
	Alpha            float64 `yaml:"alpha" mapstructure:"alpha"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the read-only API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MetricsConfig configures batch metric export.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultLayers is the institutional layer set used when none is configured.
var DefaultLayers = []string{"labor", "education", "civic", "consumption"}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COPRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.window_minutes", 30)
	v.SetDefault("pipeline.layers", DefaultLayers)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.location_workers", 1)
	v.SetDefault("model.mobility_min_quintile", 4)
	v.SetDefault("model.max_iterations", 50)
	v.SetDefault("model.tolerance", 1e-8)
	v.SetDefault("model.min_sample", 30)
	v.SetDefault("threshold.quantiles", 5)
	v.SetDefault("threshold.grid_steps", 81)
	v.SetDefault("threshold.refine_steps", 21)
	v.SetDefault("threshold.grid_low_quantile", 0.10)
	v.SetDefault("threshold.grid_high_quantile", 0.90)
	v.SetDefault("threshold.alpha", 0.01)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "copresence.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings a pipeline run depends on. It must pass
// before any stage starts.
func (c *Config) Validate() error {
	var errs []string

	if c.Pipeline.WindowMinutes <= 0 {
		errs = append(errs, "pipeline.window_minutes must be > 0")
	}
	if len(c.Pipeline.Layers) == 0 {
		errs = append(errs, "pipeline.layers must not be empty")
	}
	seen := make(map[string]bool, len(c.Pipeline.Layers))
	for _, l := range c.Pipeline.Layers {
		name := strings.ToLower(strings.TrimSpace(l))
		if name == "" {
			errs = append(errs, "pipeline.layers must not contain blank names")
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("pipeline.layers contains duplicate %q", name))
		}
		seen[name] = true
	}
	if c.Pipeline.Concurrency < 1 {
		errs = append(errs, "pipeline.concurrency must be >= 1")
	}
	if c.Pipeline.LocationWorkers < 1 {
		errs = append(errs, "pipeline.location_workers must be >= 1")
	}

	if c.Model.MaxIterations < 1 {
		errs = append(errs, "model.max_iterations must be >= 1")
	}
	if c.Model.Tolerance <= 0 {
		errs = append(errs, "model.tolerance must be > 0")
	}
	if c.Model.MobilityMinQuintile < 1 || c.Model.MobilityMinQuintile > 5 {
		errs = append(errs, "model.mobility_min_quintile must be between 1 and 5")
	}

	t := c.Threshold
	if t.Quantiles < 2 {
		errs = append(errs, "threshold.quantiles must be >= 2")
	}
	if t.GridSteps < 2 {
		errs = append(errs, "threshold.grid_steps must be >= 2")
	}
	if t.RefineSteps < 1 {
		errs = append(errs, "threshold.refine_steps must be >= 1")
	}
	if t.GridLowQuantile <= 0 || t.GridHighQuantile >= 1 || t.GridLowQuantile >= t.GridHighQuantile {
		errs = append(errs, "threshold grid quantiles must satisfy 0 < low < high < 1")
	}
	if t.Alpha <= 0 || t.Alpha >= 1 {
		errs = append(errs, "threshold.alpha must be in (0, 1)")
	}

	if len(errs) > 0 {
		return eris.Wrapf(ErrInvalidConfiguration, "config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
