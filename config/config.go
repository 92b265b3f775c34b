// Package config loads the optional voicelink YAML configuration file.
// Secrets are never read from it.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type AnalyzeType string

const (
	AnalyzeStandard AnalyzeType = "analyze"
	AnalyzeNLP      AnalyzeType = "nlp_analyze"
)

func (a AnalyzeType) IsValid() bool {
	switch a {
	case AnalyzeStandard, AnalyzeNLP:
		return true
	}
	return false
}

const (
	DefaultSampleRate   = 16000
	DefaultBufferSize   = 2048
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

type Config struct {
	Endpoint     string        `yaml:"endpoint"`
	LogPath      string        `yaml:"log_path"`
	StorePath    string        `yaml:"store_path"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	AnalyzeType  AnalyzeType   `yaml:"analyze_type"`
	Audio        Audio         `yaml:"audio"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Audio struct {
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
	// BufferSize is the capture buffer in bytes; each chunk carries
	// BufferSize/2 samples.
	BufferSize int `yaml:"buffer_size"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.AnalyzeType == "" {
		c.AnalyzeType = AnalyzeStandard
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if c.Audio.BufferSize == 0 {
		c.Audio.BufferSize = DefaultBufferSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// DefaultPath is VOICELINK_CONFIG if set, else config.yaml under the user
// config directory.
func DefaultPath() string {
	if p := os.Getenv("VOICELINK_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "voicelink", "config.yaml")
}

// Load reads path. A missing file yields defaults unless explicit is set.
func Load(path string, explicit bool) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Endpoint != "" {
		if err := ValidateEndpoint(cfg.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("endpoint: %w", err))
		}
	}
	if !cfg.AnalyzeType.IsValid() {
		errs = append(errs, fmt.Errorf("analyze_type %q is invalid; valid values: analyze, nlp_analyze", cfg.AnalyzeType))
	}
	switch cfg.Audio.SampleRate {
	case 8000, 16000, 22050, 44100, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is not supported", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BufferSize <= 0 || cfg.Audio.BufferSize%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_size %d must be a positive even number of bytes", cfg.Audio.BufferSize))
	}
	if cfg.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("dial_timeout %s must not be negative", cfg.DialTimeout))
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write_timeout %s must not be negative", cfg.WriteTimeout))
	}

	return errors.Join(errs...)
}

// ValidateEndpoint accepts ws, wss, http and https URLs with a host.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
