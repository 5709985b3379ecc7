package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/affect-state/internal/cipher"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
	"github.com/danielpatrickdp/affect-state/internal/fusion"
	"github.com/danielpatrickdp/affect-state/internal/orchestrator"
)

// #region types

// Config is everything the affect binary needs to open a store and run sessions.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Forecast   ForecastConfig   `yaml:"forecast"`
	Session    SessionConfig    `yaml:"session"`
	KDF        KDFConfig        `yaml:"kdf"`
	Collectors CollectorsConfig `yaml:"collectors"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// StoreConfig locates the encrypted analytics database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FusionConfig controls how observations are combined.
type FusionConfig struct {
	Weights         map[string]float64 `yaml:"weights"`
	MinConfidence   float64            `yaml:"min_confidence"`
	AgreementFactor float64            `yaml:"agreement_factor"`
	Culture         string             `yaml:"culture"`
}

// ForecastConfig mirrors forecast.Config.
type ForecastConfig struct {
	Horizon    int     `yaml:"horizon"`
	Alpha      float64 `yaml:"alpha"`
	MinHistory int     `yaml:"min_history"`
	Lookback   int     `yaml:"lookback"`
	DeadBand   float64 `yaml:"dead_band"`
}

// SessionConfig bounds each detection cycle.
type SessionConfig struct {
	CollectTimeout time.Duration `yaml:"collect_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// KDFConfig sets argon2id cost for new key generations.
type KDFConfig struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// CollectorsConfig holds gRPC addresses of modality backends. Empty
// addresses leave the modality unavailable.
type CollectorsConfig struct {
	Face  string `yaml:"face"`
	Voice string `yaml:"voice"`
	Text  string `yaml:"text"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus listener. Empty disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// #endregion types

// #region load

// Load reads path (or $AFFECT_CONFIG) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("AFFECT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the compiled defaults.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	fc := fusion.DefaultConfig()
	fw := forecast.DefaultConfig()
	oc := orchestrator.DefaultConfig()
	kdf := cipher.DefaultKDFParams()

	weights := make(map[string]float64, len(oc.Weights))
	for m, w := range oc.Weights {
		weights[string(m)] = w
	}
	return Config{
		Store: StoreConfig{Path: "affect.db"},
		Fusion: FusionConfig{
			Weights:         weights,
			MinConfidence:   oc.MinConfidence,
			AgreementFactor: fc.AgreementFactor,
			Culture:         fc.Culture,
		},
		Forecast: ForecastConfig{
			Horizon:    fw.Horizon,
			Alpha:      fw.Alpha,
			MinHistory: fw.MinHistory,
			Lookback:   fw.Lookback,
			DeadBand:   fw.DeadBand,
		},
		Session: SessionConfig{
			CollectTimeout: oc.CollectTimeout,
			ProbeTimeout:   oc.ProbeTimeout,
		},
		KDF:     KDFConfig{Time: kdf.Time, MemoryKiB: kdf.MemoryKiB, Threads: kdf.Threads},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AFFECT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AFFECT_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Fusion.MinConfidence = f
		}
	}
	if v := os.Getenv("AFFECT_CULTURE"); v != "" {
		cfg.Fusion.Culture = v
	}
	for _, m := range emotion.Modalities {
		if v := os.Getenv("AFFECT_WEIGHT_" + strings.ToUpper(string(m))); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				if cfg.Fusion.Weights == nil {
					cfg.Fusion.Weights = make(map[string]float64)
				}
				cfg.Fusion.Weights[string(m)] = f
			}
		}
	}
	if v := os.Getenv("AFFECT_COLLECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.CollectTimeout = d
		}
	}
	if v := os.Getenv("AFFECT_FACE_ADDR"); v != "" {
		cfg.Collectors.Face = v
	}
	if v := os.Getenv("AFFECT_VOICE_ADDR"); v != "" {
		cfg.Collectors.Voice = v
	}
	if v := os.Getenv("AFFECT_TEXT_ADDR"); v != "" {
		cfg.Collectors.Text = v
	}
	if v := os.Getenv("AFFECT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AFFECT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("AFFECT_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
}

// #endregion load

// #region validate

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("config: store.path is required")
	}
	for name, w := range c.Fusion.Weights {
		if !emotion.Modality(name).Valid() {
			return fmt.Errorf("config: unknown modality %q in fusion.weights", name)
		}
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("config: fusion.weights.%s must be >= 0, got %v", name, w)
		}
	}
	if c.Fusion.MinConfidence < 0 || c.Fusion.MinConfidence > 1 {
		return fmt.Errorf("config: fusion.min_confidence %v outside [0,1]", c.Fusion.MinConfidence)
	}
	if c.Fusion.AgreementFactor < 1 {
		return fmt.Errorf("config: fusion.agreement_factor must be >= 1, got %v", c.Fusion.AgreementFactor)
	}
	if err := c.ForecastParams().Validate(); err != nil {
		return fmt.Errorf("config: forecast: %w", err)
	}
	if c.Session.CollectTimeout <= 0 {
		return fmt.Errorf("config: session.collect_timeout must be positive, got %s", c.Session.CollectTimeout)
	}
	if c.KDF.Time == 0 || c.KDF.MemoryKiB == 0 || c.KDF.Threads == 0 {
		return errors.New("config: kdf parameters must be non-zero")
	}
	return nil
}

// #endregion validate

// #region conversions

// Weights returns the fusion weights keyed by modality.
func (c Config) Weights() map[emotion.Modality]float64 {
	out := make(map[emotion.Modality]float64, len(c.Fusion.Weights))
	for name, w := range c.Fusion.Weights {
		out[emotion.Modality(name)] = w
	}
	return out
}

// FusionParams returns the engine policy.
func (c Config) FusionParams() fusion.Config {
	return fusion.Config{AgreementFactor: c.Fusion.AgreementFactor, Culture: c.Fusion.Culture}
}

// ForecastParams returns the forecaster policy.
func (c Config) ForecastParams() forecast.Config {
	return forecast.Config{
		Horizon:    c.Forecast.Horizon,
		Alpha:      c.Forecast.Alpha,
		MinHistory: c.Forecast.MinHistory,
		Lookback:   c.Forecast.Lookback,
		DeadBand:   c.Forecast.DeadBand,
	}
}

// OrchestratorParams returns the per-cycle policy.
func (c Config) OrchestratorParams() orchestrator.Config {
	return orchestrator.Config{
		Weights:        c.Weights(),
		MinConfidence:  c.Fusion.MinConfidence,
		CollectTimeout: c.Session.CollectTimeout,
		ProbeTimeout:   c.Session.ProbeTimeout,
	}
}

// KDFParams returns the argon2id cost for new generations.
func (c Config) KDFParams() cipher.KDFParams {
	return cipher.KDFParams{Time: c.KDF.Time, MemoryKiB: c.KDF.MemoryKiB, Threads: c.KDF.Threads}
}

// CollectorAddresses returns the configured backend address per modality.
func (c Config) CollectorAddresses() map[emotion.Modality]string {
	out := make(map[emotion.Modality]string, 3)
	for m, addr := range map[emotion.Modality]string{
		emotion.Face:  c.Collectors.Face,
		emotion.Voice: c.Collectors.Voice,
		emotion.Text:  c.Collectors.Text,
	} {
		if addr != "" {
			out[m] = addr
		}
	}
	return out
}

// #endregion conversions
