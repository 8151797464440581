// Package config loads the settings of the dnc command: engine dimensions,
// the agent pool, the snapshot store and logging.
//
// Settings come from three layers, later ones winning: Default, an optional
// YAML file (Load) and DNC_* environment variables (ApplyEnv).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sbl8/dnc/kernels"
	"github.com/sbl8/dnc/runtime"
)

// Config holds all dnc configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Pool   PoolConfig   `yaml:"pool"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
}

// EngineConfig holds the dimensions of every engine and the kernel backend.
type EngineConfig struct {
	Locations            int    `yaml:"locations"`
	VectorSize           int    `yaml:"vector_size"`
	ReadHeads            int    `yaml:"read_heads"`
	ControllerOutputSize int    `yaml:"controller_output_size"`
	Backend              string `yaml:"backend"` // "auto", "scalar" or "unrolled"
}

// PoolConfig configures the simulated agent pool.
type PoolConfig struct {
	Agents   int     `yaml:"agents"`
	Workers  int     `yaml:"workers"` // 0 uses GOMAXPROCS
	Seed     int64   `yaml:"seed"`
	GateBias float32 `yaml:"gate_bias"` // added to raw write and free gates
}

// StoreConfig locates the snapshot database.
type StoreConfig struct {
	Path string `yaml:"path"` // empty resolves to ~/.dnc/snapshots.db
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Locations:            128,
			VectorSize:           32,
			ReadHeads:            4,
			ControllerOutputSize: 64,
			Backend:              kernels.NameAuto,
		},
		Pool: PoolConfig{
			Agents:   16,
			Workers:  0,
			Seed:     1,
			GateBias: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DNC_* variables found through lookup:
// DNC_LOCATIONS, DNC_VECTOR_SIZE, DNC_READ_HEADS, DNC_CONTROLLER_OUTPUT_SIZE,
// DNC_BACKEND, DNC_AGENTS, DNC_WORKERS, DNC_SEED, DNC_GATE_BIAS,
// DNC_STORE_PATH, DNC_LOG_LEVEL and DNC_LOG_FORMAT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"DNC_LOCATIONS":              &c.Engine.Locations,
		"DNC_VECTOR_SIZE":            &c.Engine.VectorSize,
		"DNC_READ_HEADS":             &c.Engine.ReadHeads,
		"DNC_CONTROLLER_OUTPUT_SIZE": &c.Engine.ControllerOutputSize,
		"DNC_AGENTS":                 &c.Pool.Agents,
		"DNC_WORKERS":                &c.Pool.Workers,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	strs := map[string]*string{
		"DNC_BACKEND":    &c.Engine.Backend,
		"DNC_STORE_PATH": &c.Store.Path,
		"DNC_LOG_LEVEL":  &c.Log.Level,
		"DNC_LOG_FORMAT": &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup("DNC_SEED"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("DNC_SEED: %w", err)
		}
		c.Pool.Seed = n
	}
	if v, ok := lookup("DNC_GATE_BIAS"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			return fmt.Errorf("DNC_GATE_BIAS: %w", err)
		}
		c.Pool.GateBias = float32(f)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.EngineConfig().Validate(); err != nil {
		return err
	}
	if _, err := kernels.ByName(c.Engine.Backend); err != nil {
		return fmt.Errorf("engine.backend: %w", err)
	}
	if c.Pool.Agents <= 0 {
		return fmt.Errorf("pool.agents must be positive, got %d", c.Pool.Agents)
	}
	if c.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers must not be negative, got %d", c.Pool.Workers)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// EngineConfig returns the engine construction parameters.
func (c *Config) EngineConfig() runtime.Config {
	return runtime.Config{
		Locations:            c.Engine.Locations,
		VectorSize:           c.Engine.VectorSize,
		ReadHeads:            c.Engine.ReadHeads,
		ControllerOutputSize: c.Engine.ControllerOutputSize,
	}
}

// EngineOptions returns engine options for the configured backend.
func (c *Config) EngineOptions() (runtime.EngineOptions, error) {
	be, err := kernels.ByName(c.Engine.Backend)
	if err != nil {
		return runtime.EngineOptions{}, err
	}
	opts := runtime.DefaultEngineOptions()
	opts.Backend = be
	return opts, nil
}

// StorePath returns the snapshot database path, resolving the default.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".dnc", "snapshots.db"), nil
}
