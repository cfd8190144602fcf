// Package config loads the YAML configuration of cameras, detection,
// calibration and outputs.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"probe-calib/internal/bundle"
	"probe-calib/internal/calib"
	"probe-calib/internal/detect"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for configuration that fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full configuration file.
type Config struct {
	Cameras     []CameraConfig    `yaml:"cameras"`
	Detection   DetectionConfig   `yaml:"detection,omitempty"`
	Calibration CalibrationConfig `yaml:"calibration,omitempty"`
	Bundle      BundleConfig      `yaml:"bundle,omitempty"`
	Storage     StorageConfig     `yaml:"storage,omitempty"`
	MQTT        MQTTConfig        `yaml:"mqtt,omitempty"`

	// Detections from different cameras pair when their capture times differ
	// by at most this many milliseconds (default 50).
	PairToleranceMs int `yaml:"pairToleranceMs,omitempty"`
}

// DetectionConfig overrides detect.DefaultParams. Zero values keep the default.
type DetectionConfig struct {
	Width           int     `yaml:"width,omitempty"`
	Height          int     `yaml:"height,omitempty"`
	NoiseFloor      float64 `yaml:"noiseFloor,omitempty"`
	ShadowThreshold float64 `yaml:"shadowThreshold,omitempty"`
	CropInit        int     `yaml:"cropInit,omitempty"`
	CropStep        int     `yaml:"cropStep,omitempty"`
}

// CalibrationConfig overrides calib.DefaultThresholds. Zero values keep the default.
type CalibrationConfig struct {
	RangeXY  float64 `yaml:"rangeXY,omitempty"`
	RangeZ   float64 `yaml:"rangeZ,omitempty"`
	Residual float64 `yaml:"residual,omitempty"`
	Outlier  float64 `yaml:"outlier,omitempty"`
}

// BundleConfig controls bundle adjustment after convergence.
type BundleConfig struct {
	Enabled       bool `yaml:"enabled"`
	RefineCameras bool `yaml:"refineCameras,omitempty"`
	MaxIterations int  `yaml:"maxIterations,omitempty"`
}

// StorageConfig locates the correspondence log and exports.
type StorageConfig struct {
	Database  string `yaml:"database,omitempty"`  // SQLite path; empty keeps the log in memory
	ExportDir string `yaml:"exportDir,omitempty"` // Inlier CSV directory; empty disables export
}

// MQTTConfig holds MQTT connection settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
}

// DefaultPairTolerance is used when PairToleranceMs is unset.
const DefaultPairTolerance = 50 * time.Millisecond

// Load reads, validates and completes the configuration at path. MQTT
// settings can be overridden from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w: %w", ErrInvalidConfig, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "probe-calib"
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = "probecalib"
	}
}

// Validate checks the cameras and numeric settings.
func (c *Config) Validate() error {
	if len(c.Cameras) != 2 {
		return fmt.Errorf("exactly two cameras are required, got %d: %w", len(c.Cameras), ErrInvalidConfig)
	}
	seen := map[string]bool{}
	for i, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("cameras[%d].name is required: %w", i, ErrInvalidConfig)
		}
		if seen[cam.Name] {
			return fmt.Errorf("duplicate camera name %q: %w", cam.Name, ErrInvalidConfig)
		}
		seen[cam.Name] = true
		if _, err := cam.Camera(); err != nil {
			return fmt.Errorf("cameras[%d] (%s): %w", i, cam.Name, err)
		}
	}
	if c.PairToleranceMs < 0 {
		return fmt.Errorf("pairToleranceMs must not be negative: %w", ErrInvalidConfig)
	}
	if c.Detection.ShadowThreshold < 0 || c.Detection.ShadowThreshold >= 1 {
		return fmt.Errorf("detection.shadowThreshold must be in [0, 1): %w", ErrInvalidConfig)
	}
	if (c.Detection.Width == 0) != (c.Detection.Height == 0) {
		return fmt.Errorf("detection.width and detection.height must be set together: %w", ErrInvalidConfig)
	}
	return nil
}

// PairTolerance returns the detection pairing tolerance.
func (c *Config) PairTolerance() time.Duration {
	if c.PairToleranceMs == 0 {
		return DefaultPairTolerance
	}
	return time.Duration(c.PairToleranceMs) * time.Millisecond
}

// DetectParams returns detect.DefaultParams with the configured overrides.
func (c *Config) DetectParams() detect.Params {
	p := detect.DefaultParams()
	d := c.Detection
	if d.Width > 0 && d.Height > 0 {
		p = p.WithDetectSize(d.Width, d.Height)
	}
	if d.CropInit > 0 || d.CropStep > 0 {
		start, step := p.CropInit, p.CropStep
		if d.CropInit > 0 {
			start = d.CropInit
		}
		if d.CropStep > 0 {
			step = d.CropStep
		}
		p = p.WithCrop(start, step)
	}
	if d.NoiseFloor > 0 || d.ShadowThreshold > 0 {
		noise, shadow := p.NoiseFloor, p.ShadowThreshold
		if d.NoiseFloor > 0 {
			noise = d.NoiseFloor
		}
		if d.ShadowThreshold > 0 {
			shadow = d.ShadowThreshold
		}
		p = p.WithThresholds(noise, shadow)
	}
	return p
}

// Thresholds returns calib.DefaultThresholds with the configured overrides.
func (c *Config) Thresholds() calib.Thresholds {
	t := calib.DefaultThresholds()
	cc := c.Calibration
	if cc.RangeXY > 0 || cc.RangeZ > 0 {
		xy, z := t.RangeXY, t.RangeZ
		if cc.RangeXY > 0 {
			xy = cc.RangeXY
		}
		if cc.RangeZ > 0 {
			z = cc.RangeZ
		}
		t = t.WithRanges(xy, z)
	}
	if cc.Residual > 0 {
		t = t.WithResidual(cc.Residual)
	}
	if cc.Outlier > 0 {
		t = t.WithOutlier(cc.Outlier)
	}
	return t
}

// BundleSettings returns bundle.DefaultSettings with the configured overrides.
func (c *Config) BundleSettings() bundle.Settings {
	s := bundle.DefaultSettings().WithCameraRefinement(c.Bundle.RefineCameras)
	if c.Bundle.MaxIterations > 0 {
		s = s.WithMaxIterations(c.Bundle.MaxIterations)
	}
	return s
}
