// Package config provides configuration loading and management for pnmdenoise.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"pnmdenoise/pkg/physio"
	"pnmdenoise/pkg/pnmerr"
	"pnmdenoise/pkg/regression"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Physio controls how PMU trace files are decoded
	Physio struct {
		// SamplingRate of both traces in Hz
		SamplingRate float64 `yaml:"samplingRate"`

		// StartKey and StopKey name the header lines with the logged timestamps
		StartKey string `yaml:"startKey"`
		StopKey  string `yaml:"stopKey"`

		// LeadingHeaderValues are skipped at the start of each sample stream
		LeadingHeaderValues int `yaml:"leadingHeaderValues"`

		// Codes are the device control codes stripped from the samples
		Codes physio.Codes `yaml:"codes"`
	} `yaml:"physio"`

	// Trigger controls trigger placement
	Trigger struct {
		// Marker is the value written at every trigger sample
		Marker float64 `yaml:"marker"`
	} `yaml:"trigger"`

	// Regression controls the slice-wise GLM
	Regression struct {
		// NumWorkers specifies how many slices are solved concurrently
		NumWorkers int `yaml:"numWorkers"`

		// Tolerance is the relative singular value cutoff, 0 for the default
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"regression"`

	// Output parameters
	Output struct {
		// LogLevel is one of logrus' level names
		LogLevel string `yaml:"logLevel"`

		// LogJSON switches log output to JSON
		LogJSON bool `yaml:"logJSON"`

		// SaveSnapshots writes mean images of the input and cleaned volumes
		SaveSnapshots bool `yaml:"saveSnapshots"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	popts := physio.DefaultParseOptions()
	cfg.Physio.SamplingRate = popts.SamplingRate
	cfg.Physio.StartKey = popts.StartKey
	cfg.Physio.StopKey = popts.StopKey
	cfg.Physio.LeadingHeaderValues = popts.LeadingHeaderValues
	cfg.Physio.Codes = popts.Codes

	cfg.Trigger.Marker = 1

	cfg.Regression.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Regression.Tolerance = 0

	cfg.Output.LogLevel = "info"
	cfg.Output.LogJSON = false
	cfg.Output.SaveSnapshots = false

	return cfg
}

// LoadConfig reads the denoising settings from a YAML file on top of
// DefaultConfig. A missing file yields the defaults; unknown keys are
// rejected so that a misspelled setting is not silently ignored.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading denoising config %s: %w", configPath, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, pnmerr.Wrap(pnmerr.ErrParse, "load config", fmt.Errorf("%s: %w", configPath, err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, pnmerr.Wrap(pnmerr.ErrParse, "load config", fmt.Errorf("%s: %w", configPath, err))
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Physio.SamplingRate <= 0 {
		return fmt.Errorf("physio.samplingRate must be positive, got %g", c.Physio.SamplingRate)
	}
	if c.Physio.StartKey == "" || c.Physio.StopKey == "" {
		return errors.New("physio.startKey and physio.stopKey must be set")
	}
	if c.Physio.LeadingHeaderValues < 0 {
		return fmt.Errorf("physio.leadingHeaderValues must not be negative")
	}
	if c.Physio.Codes.PauseBegin == c.Physio.Codes.PauseEnd {
		return fmt.Errorf("physio.codes pauseBegin and pauseEnd must differ")
	}
	if c.Trigger.Marker == 0 {
		return errors.New("trigger.marker must be non-zero")
	}
	if c.Regression.Tolerance < 0 {
		return fmt.Errorf("regression.tolerance must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Output.LogLevel); err != nil {
		return fmt.Errorf("output.logLevel: %w", err)
	}
	return nil
}

// ParseOptions returns the trace decoding options described by the config
func (c *Config) ParseOptions() physio.ParseOptions {
	return physio.ParseOptions{
		Codes:               c.Physio.Codes,
		StartKey:            c.Physio.StartKey,
		StopKey:             c.Physio.StopKey,
		SamplingRate:        c.Physio.SamplingRate,
		LeadingHeaderValues: c.Physio.LeadingHeaderValues,
	}
}

// RegressionOptions returns the engine options described by the config
func (c *Config) RegressionOptions(log logrus.FieldLogger) regression.Options {
	return regression.Options{
		Workers:   c.Regression.NumWorkers,
		Tolerance: c.Regression.Tolerance,
		Logger:    log,
	}
}

// NewLogger builds a logger with the configured level and format
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Output.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	if c.Output.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// configHeader is written above the YAML body by SaveConfig.
const configHeader = "# pnmdenoise settings: PMU decoding, trigger placement, slice-wise regression\n"

// SaveConfig validates cfg and writes it as YAML. The file is written under a
// temporary name and renamed into place, so an existing config is never left
// half written.
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid denoising config: %w", err)
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error encoding denoising config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(configPath)+".tmp*")
	if err != nil {
		return fmt.Errorf("error creating denoising config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.WriteString(tmp, configHeader+string(body)); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing denoising config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing denoising config: %w", err)
	}
	return os.Rename(tmp.Name(), configPath)
}

// CreateDefaultConfigFile writes DefaultConfig to configPath. An existing
// file is left untouched and reported as an error.
func CreateDefaultConfigFile(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("denoising config %s already exists", configPath)
	}
	return SaveConfig(DefaultConfig(), configPath)
}
