// Package config loads the mxgemm configuration file
// (~/.config/mxgemm/config.yaml).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mxgemm/internal/gemm"
)

// Source names a test-vector generator.
const (
	SourcePattern = "pattern"
	SourceRandom  = "random"
)

// Config mirrors the YAML file. All numeric fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	// Problem shape
	M *int `yaml:"m"`
	K *int `yaml:"k"`
	N *int `yaml:"n"`

	// Engine
	PERows    *int `yaml:"pe_rows"`
	PECols    *int `yaml:"pe_cols"`
	GroupSize *int `yaml:"group_size"`
	Workers   *int `yaml:"workers"`

	// Test vectors
	Seed   *int64 `yaml:"seed"`
	Source string `yaml:"source"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
	RateBurst     *int     `yaml:"rate_burst"`
}

// DefaultPath returns the per-user config file location, or "" when the
// user config directory cannot be determined.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mxgemm", "config.yaml")
}

// Load reads and validates the file at path. A missing file yields a zero
// Config; a malformed one is an error.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and validates the result. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Shape overlays the configured dimensions on base.
func (c Config) Shape(base gemm.Shape) gemm.Shape {
	if c.M != nil {
		base.M = *c.M
	}
	if c.K != nil {
		base.K = *c.K
	}
	if c.N != nil {
		base.N = *c.N
	}
	return base
}

// Tiling overlays the configured engine grid on base.
func (c Config) Tiling(base gemm.Tiling) gemm.Tiling {
	if c.PERows != nil {
		base.PERows = *c.PERows
	}
	if c.PECols != nil {
		base.PECols = *c.PECols
	}
	if c.GroupSize != nil {
		base.GroupSize = *c.GroupSize
	}
	return base
}

func (c *Config) Validate() error {
	for _, f := range []struct {
		name string
		v    *int
	}{
		{"m", c.M}, {"k", c.K}, {"n", c.N},
		{"pe_rows", c.PERows}, {"pe_cols", c.PECols}, {"group_size", c.GroupSize},
	} {
		if f.v != nil && *f.v <= 0 {
			return fmt.Errorf("invalid %s: %d (must be positive)", f.name, *f.v)
		}
	}
	if c.K != nil && *c.K > gemm.MaxK {
		return fmt.Errorf("invalid k: %d (must be <= %d)", *c.K, gemm.MaxK)
	}
	if c.GroupSize != nil && *c.GroupSize%2 != 0 {
		return fmt.Errorf("invalid group_size: %d (must be even)", *c.GroupSize)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", *c.Workers)
	}
	switch c.Source {
	case "", SourcePattern, SourceRandom:
	default:
		return fmt.Errorf("invalid source: %q (must be %q or %q)", c.Source, SourcePattern, SourceRandom)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "pretty", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q (must be pretty, json or text)", c.LogFormat)
	}
	if c.RateLimit != nil && *c.RateLimit < 0 {
		return fmt.Errorf("invalid rate_limit: %f (must be non-negative)", *c.RateLimit)
	}
	if c.RateBurst != nil && *c.RateBurst <= 0 {
		return fmt.Errorf("invalid rate_burst: %d (must be positive)", *c.RateBurst)
	}

	// Divisibility only makes sense once the full shape and tiling are known.
	if c.M != nil && c.K != nil && c.N != nil {
		t := c.Tiling(gemm.DefaultTiling())
		if err := c.Shape(gemm.Shape{}).Validate(t); err != nil {
			return fmt.Errorf("invalid shape: %w", err)
		}
	}
	return nil
}
