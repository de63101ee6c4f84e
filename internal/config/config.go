// Package config loads the worker configuration from animforge.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Command is an argv list that unmarshals from either a YAML sequence or
// a shell-quoted string ("python3 -m manim").
type Command []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		parts, err := shellquote.Split(s)
		if err != nil {
			return fmt.Errorf("invalid command %q: %w", s, err)
		}
		*c = parts
		return nil
	}

	var parts []string
	if err := value.Decode(&parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// Config represents the full animforge.yaml configuration.
type Config struct {
	Generation GenerationConfig `yaml:"generation"`
	Validation ValidationConfig `yaml:"validation"`
	Render     RenderConfig     `yaml:"render"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Sessions   SessionsConfig   `yaml:"sessions"`
}

// GenerationConfig controls the text-generation collaborator.
type GenerationConfig struct {
	BaseURL       string  `yaml:"base_url"`
	Model         string  `yaml:"model"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	MaxIterations int     `yaml:"max_iterations"`
	RPM           int     `yaml:"requests_per_minute"`
}

// ValidationConfig controls the script validator.
type ValidationConfig struct {
	Interpreter   Command  `yaml:"interpreter"`
	Renderer      Command  `yaml:"renderer"`
	DryRunTimeout Duration `yaml:"dry_run_timeout"`
	MediaDir      string   `yaml:"media_dir"`
}

// RenderConfig controls final video rendering.
type RenderConfig struct {
	Command   Command  `yaml:"command"`
	Timeout   Duration `yaml:"timeout"`
	OutputDir string   `yaml:"output_dir"`
}

// ArchiveConfig controls the SQLite session archive.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig controls the in-memory store's expiry sweep.
type SessionsConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	MaxAge        Duration `yaml:"max_age"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Generation: GenerationConfig{
			BaseURL:       "https://api.cerebras.ai/v1",
			Model:         "zai-glm-4.6",
			Temperature:   0.7,
			MaxTokens:     2000,
			MaxIterations: 5,
			RPM:           60,
		},
		Validation: ValidationConfig{
			Interpreter:   []string{"python3"},
			Renderer:      []string{"python3", "-m", "manim"},
			DryRunTimeout: Duration(10 * time.Minute),
		},
		Render: RenderConfig{
			Command:   []string{"python3", "-m", "manim"},
			Timeout:   Duration(30 * time.Minute),
			OutputDir: "videos",
		},
		Archive: ArchiveConfig{
			Path: "animforge.archive.db",
		},
		Sessions: SessionsConfig{
			SweepInterval: Duration(1 * time.Hour),
			MaxAge:        Duration(24 * time.Hour),
		},
	}
}

// Load reads the config file at path layered over the defaults. A missing
// file is not an error: the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Generation.Model == "" {
		return fmt.Errorf("generation.model must not be empty")
	}
	if c.Generation.MaxIterations < 1 {
		return fmt.Errorf("generation.max_iterations must be at least 1")
	}
	if c.Generation.MaxTokens < 1 {
		return fmt.Errorf("generation.max_tokens must be at least 1")
	}
	if len(c.Validation.Interpreter) == 0 {
		return fmt.Errorf("validation.interpreter must not be empty")
	}
	if len(c.Validation.Renderer) == 0 {
		return fmt.Errorf("validation.renderer must not be empty")
	}
	if len(c.Render.Command) == 0 {
		return fmt.Errorf("render.command must not be empty")
	}
	return nil
}
