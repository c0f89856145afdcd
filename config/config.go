// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the whereami configuration from an optional YAML file
// and WHEREAMI_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

// Geocoding providers.
const (
	ProviderGoogle    = "google"
	ProviderNominatim = "nominatim"
)

// Config holds the full application configuration.
type Config struct {
	Model     ModelConfig   `yaml:"model" mapstructure:"model"`
	Geocode   GeocodeConfig `yaml:"geocode" mapstructure:"geocode"`
	Detect    DetectConfig  `yaml:"detect" mapstructure:"detect"`
	Store     StoreConfig   `yaml:"store" mapstructure:"store"`
	Server    ServerConfig  `yaml:"server" mapstructure:"server"`
	HTTPTrace bool          `yaml:"http_trace" mapstructure:"http_trace"`
}

// ModelConfig locates the geolocation model and its labels.
type ModelConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	LabelsPath string `yaml:"labels_path" mapstructure:"labels_path"`
	Threads    int    `yaml:"threads" mapstructure:"threads"`
}

// GeocodeConfig configures reverse geocoding.
type GeocodeConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	GoogleAPIKey      string  `yaml:"google_api_key" mapstructure:"google_api_key"`
	GoogleProject     string  `yaml:"google_project" mapstructure:"google_project"`
	KeyDisplayName    string  `yaml:"key_display_name" mapstructure:"key_display_name"`
	NominatimURL      string  `yaml:"nominatim_url" mapstructure:"nominatim_url"`
	Language          string  `yaml:"language" mapstructure:"language"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CacheResolution   int     `yaml:"cache_resolution" mapstructure:"cache_resolution"`
}

// DetectConfig tunes the detection pipeline.
type DetectConfig struct {
	TopN        int `yaml:"top_n" mapstructure:"top_n"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// StoreConfig locates the DuckDB database. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// Load reads the configuration. With an empty path, whereami.yaml is looked
// up in the working directory and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("whereami")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WHEREAMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key needs one so that AutomaticEnv applies on Unmarshal.
	v.SetDefault("model.path", "model.tflite")
	v.SetDefault("model.labels_path", "labels.txt")
	v.SetDefault("model.threads", 0)
	v.SetDefault("geocode.provider", ProviderNominatim)
	v.SetDefault("geocode.google_api_key", "")
	v.SetDefault("geocode.google_project", "")
	v.SetDefault("geocode.key_display_name", "WhereAmI Geocoding Key")
	v.SetDefault("geocode.nominatim_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.language", "en")
	v.SetDefault("geocode.user_agent", "whereami/dev (+https://github.com/jcodagnone/whereami)")
	v.SetDefault("geocode.requests_per_second", 1.0)
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.cache_resolution", 12)
	v.SetDefault("detect.top_n", 5)
	v.SetDefault("detect.concurrency", 0)
	v.SetDefault("store.path", "whereami.duckdb")
	v.SetDefault("server.addr", "localhost:8080")
	v.SetDefault("http_trace", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

// Validate checks the values that cannot be checked by their type.
func (c *Config) Validate() error {
	var errs []error

	switch c.Geocode.Provider {
	case ProviderGoogle, ProviderNominatim:
	default:
		errs = append(errs, fmt.Errorf("geocode.provider: unknown provider %q", c.Geocode.Provider))
	}

	if _, err := c.Language(); err != nil {
		errs = append(errs, err)
	}

	if c.Geocode.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("geocode.requests_per_second: must not be negative"))
	}

	if c.Geocode.CacheResolution < 0 || c.Geocode.CacheResolution > 15 {
		errs = append(errs, fmt.Errorf("geocode.cache_resolution: must be between 0 and 15 (got %d)", c.Geocode.CacheResolution))
	}

	if c.Detect.TopN <= 0 {
		errs = append(errs, fmt.Errorf("detect.top_n: must be positive (got %d)", c.Detect.TopN))
	}

	if c.Detect.Concurrency < 0 {
		errs = append(errs, errors.New("detect.concurrency: must not be negative"))
	}

	return errors.Join(errs...)
}

// Language returns the parsed geocoding language. An empty value is
// language.Und, which lets providers pick.
func (c *Config) Language() (language.Tag, error) {
	if c.Geocode.Language == "" {
		return language.Und, nil
	}

	tag, err := language.Parse(c.Geocode.Language)
	if err != nil {
		return language.Und, fmt.Errorf("geocode.language: %w", err)
	}

	return tag, nil
}

// Timeout returns the geocoding request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Geocode.TimeoutSecs) * time.Second
}
