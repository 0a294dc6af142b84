package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig           `yaml:"store" mapstructure:"store"`
	Log        LogConfig             `yaml:"log" mapstructure:"log"`
	Server     ServerConfig          `yaml:"server" mapstructure:"server"`
	Pipeline   PipelineConfig        `yaml:"pipeline" mapstructure:"pipeline"`
	Resolve    ResolveConfig         `yaml:"resolve" mapstructure:"resolve"`
	Quality    QualityConfig         `yaml:"quality" mapstructure:"quality"`
	Monitoring MonitoringConfig      `yaml:"monitoring" mapstructure:"monitoring"`
	Rules      RulesConfig           `yaml:"rules" mapstructure:"rules"`
	Feeds      map[string]FeedConfig `yaml:"feeds" mapstructure:"feeds"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// PipelineConfig configures orchestration.
type PipelineConfig struct {
	FailurePolicy      string                 `yaml:"failure_policy" mapstructure:"failure_policy"`
	MaxQuarantineRatio float64                `yaml:"max_quarantine_ratio" mapstructure:"max_quarantine_ratio"`
	ResolveConcurrency int                    `yaml:"resolve_concurrency" mapstructure:"resolve_concurrency"`
	Actor              string                 `yaml:"actor" mapstructure:"actor"`
	Phases             map[string]PhaseConfig `yaml:"phases" mapstructure:"phases"`
}

// PhaseConfig is the timeout and retry budget of one phase.
type PhaseConfig struct {
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff          string `yaml:"backoff" mapstructure:"backoff"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Timeout returns the phase timeout.
func (p PhaseConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// Retry converts the budget to a resilience.RetryConfig.
func (p PhaseConfig) Retry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if p.MaxAttempts > 0 {
		cfg.MaxAttempts = p.MaxAttempts
	}
	cfg.Backoff = resilience.ParseBackoff(p.Backoff)
	if p.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(p.InitialBackoffMs) * time.Millisecond
	}
	if p.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(p.MaxBackoffMs) * time.Millisecond
	}
	return cfg
}

// Phase returns the budget for a phase, falling back to the defaults.
func (c PipelineConfig) Phase(p model.Phase) PhaseConfig {
	pc, ok := c.Phases[string(p)]
	if !ok {
		pc = PhaseConfig{}
	}
	if pc.TimeoutSecs <= 0 {
		pc.TimeoutSecs = defaultPhaseTimeoutSecs
	}
	if pc.MaxAttempts <= 0 {
		pc.MaxAttempts = defaultPhaseAttempts
	}
	return pc
}

// ResolveConfig configures entity resolution.
type ResolveConfig struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
}

// QualityConfig configures the outlier test.
type QualityConfig struct {
	OutlierMethod string  `yaml:"outlier_method" mapstructure:"outlier_method"`
	ZScoreSigma   float64 `yaml:"zscore_sigma" mapstructure:"zscore_sigma"`
	IQRK          float64 `yaml:"iqr_k" mapstructure:"iqr_k"`
	MinSample     int     `yaml:"min_sample" mapstructure:"min_sample"`
}

// MonitoringConfig configures retention and digest delivery.
type MonitoringConfig struct {
	AlertRetentionDays   int    `yaml:"alert_retention_days" mapstructure:"alert_retention_days"`
	StagingRetentionDays int    `yaml:"staging_retention_days" mapstructure:"staging_retention_days"`
	CheckIntervalSecs    int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL           string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// RulesConfig points at the rules catalog file.
type RulesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// FeedConfig locates one source's feed file.
type FeedConfig struct {
	Location  string  `yaml:"location" mapstructure:"location"`
	Format    string  `yaml:"format" mapstructure:"format"`
	Sheet     string  `yaml:"sheet" mapstructure:"sheet"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

const (
	defaultPhaseTimeoutSecs = 120
	defaultPhaseAttempts    = 3
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.failure_policy", string(model.PartialSuccess))
	v.SetDefault("pipeline.max_quarantine_ratio", 0.5)
	v.SetDefault("pipeline.resolve_concurrency", 8)
	v.SetDefault("pipeline.actor", "pipeline")
	for _, p := range model.Phases() {
		key := "pipeline.phases." + string(p)
		v.SetDefault(key+".timeout_secs", defaultPhaseTimeoutSecs)
		v.SetDefault(key+".max_attempts", defaultPhaseAttempts)
		v.SetDefault(key+".backoff", string(resilience.BackoffExponential))
		v.SetDefault(key+".initial_backoff_ms", 500)
		v.SetDefault(key+".max_backoff_ms", 10000)
	}
	v.SetDefault("pipeline.phases.extract.timeout_secs", 300)
	v.SetDefault("resolve.fuzzy_threshold", 0.88)
	v.SetDefault("quality.outlier_method", "zscore")
	v.SetDefault("quality.zscore_sigma", 3.0)
	v.SetDefault("quality.iqr_k", 1.5)
	v.SetDefault("quality.min_sample", 5)
	v.SetDefault("monitoring.alert_retention_days", 90)
	v.SetDefault("monitoring.staging_retention_days", 30)
	v.SetDefault("monitoring.check_interval_secs", 3600)
	v.SetDefault("rules.path", "")

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

// Validate reports settings that make the given command impossible. Mode
// is one of "run", "serve" or "migrate". Problems are returned together as a
// resilience.ConfigurationError.
func (c *Config) Validate(mode string) error {
	var problems []string
	switch mode {
	case "run", "migrate":
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}
	if mode == "migrate" {
		if len(problems) > 0 {
			return &resilience.ConfigurationError{Problems: problems}
		}
		return nil
	}
	if _, err := model.ParseFailurePolicy(c.Pipeline.FailurePolicy); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Pipeline.MaxQuarantineRatio <= 0 || c.Pipeline.MaxQuarantineRatio > 1 {
		problems = append(problems, "pipeline.max_quarantine_ratio must be in (0, 1]")
	}
	if c.Resolve.FuzzyThreshold <= 0 || c.Resolve.FuzzyThreshold > 1 {
		problems = append(problems, "resolve.fuzzy_threshold must be in (0, 1]")
	}
	switch c.Quality.OutlierMethod {
	case "zscore", "iqr":
	default:
		problems = append(problems, fmt.Sprintf("unknown quality.outlier_method %q", c.Quality.OutlierMethod))
	}
	for name := range c.Feeds {
		if _, err := model.ParseSource(name); err != nil {
			problems = append(problems, "feeds: "+err.Error())
		}
	}
	if len(problems) > 0 {
		return &resilience.ConfigurationError{Problems: problems}
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
