// Package config loads bridgectl configuration.
//
// Configuration is YAML, validated against an embedded CUE schema before it
// is decoded. The schema's #Config definition is closed, so misspelled keys
// are rejected instead of silently ignored. Every field is optional; Go code
// fills in defaults after validation.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Defaults.
const (
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultBlobBackend = "memory"
	DefaultLibrary     = "loopback"
)

// Config is the bridgectl configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Journal JournalConfig `yaml:"journal"`
	Blobs   BlobConfig    `yaml:"blobs"`
	Metrics MetricsConfig `yaml:"metrics"`
	Library string        `yaml:"library"`
	Context ContextConfig `yaml:"context"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// JournalConfig enables the SQLite journal when Path is set.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// BlobConfig selects the blob backend. The sqlite backend uses Path, or the
// journal database when Path is empty.
type BlobConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// ContextConfig holds the configuration passed to CreateContext when the
// caller does not supply one.
type ContextConfig struct {
	Config map[string]any `yaml:"config"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads and validates the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates YAML config bytes and applies defaults.
func Parse(data []byte) (Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validate(raw); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Blobs.Backend == "sqlite" && cfg.BlobPath() == "" {
		return Config{}, fmt.Errorf("invalid config: blobs.backend sqlite needs blobs.path or journal.path")
	}
	return cfg, nil
}

func validate(raw any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.Encode(raw)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Blobs.Backend == "" {
		c.Blobs.Backend = DefaultBlobBackend
	}
	if c.Library == "" {
		c.Library = DefaultLibrary
	}
}

// BlobPath returns the database file for the sqlite blob backend.
func (c Config) BlobPath() string {
	if c.Blobs.Path != "" {
		return c.Blobs.Path
	}
	return c.Journal.Path
}

// ContextJSON returns the default context configuration as JSON.
func (c Config) ContextJSON() (string, error) {
	if c.Context.Config == nil {
		return "{}", nil
	}
	out, err := json.Marshal(c.Context.Config)
	if err != nil {
		return "", fmt.Errorf("encode context config: %w", err)
	}
	return string(out), nil
}
