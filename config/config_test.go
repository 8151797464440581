package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/dnc/kernels"
	"github.com/sbl8/dnc/runtime"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec := cfg.EngineConfig()
	assert.Equal(t, 128, ec.Locations)
	assert.Equal(t, 4, ec.ReadHeads)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	assert.Equal(t, kernels.Default().Name(), opts.Backend.Name())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnc.yaml")
	yaml := `
engine:
  locations: 16
  vector_size: 8
  read_heads: 2
  controller_output_size: 4
  backend: scalar
pool:
  agents: 3
  seed: 99
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, runtime.Config{Locations: 16, VectorSize: 8, ReadHeads: 2, ControllerOutputSize: 4}, cfg.EngineConfig())
	assert.Equal(t, kernels.NameScalar, cfg.Engine.Backend)
	assert.Equal(t, 3, cfg.Pool.Agents)
	assert.Equal(t, int64(99), cfg.Pool.Seed)
	assert.Equal(t, "json", cfg.Log.Format)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine: [1, 2"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"DNC_LOCATIONS":  " 32 ",
		"DNC_BACKEND":    "unrolled",
		"DNC_SEED":       "-4",
		"DNC_GATE_BIAS":  "-1.5",
		"DNC_STORE_PATH": "/tmp/x.db",
		"DNC_WORKERS":    "2",
	}))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Engine.Locations)
	assert.Equal(t, kernels.NameUnrolled, cfg.Engine.Backend)
	assert.Equal(t, int64(-4), cfg.Pool.Seed)
	assert.Equal(t, float32(-1.5), cfg.Pool.GateBias)
	assert.Equal(t, 2, cfg.Pool.Workers)

	path, err := cfg.StorePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", path)

	assert.Error(t, cfg.ApplyEnv(envMap(map[string]string{"DNC_READ_HEADS": "many"})))
	assert.Error(t, cfg.ApplyEnv(envMap(map[string]string{"DNC_SEED": "1.5"})))
	assert.Error(t, cfg.ApplyEnv(envMap(map[string]string{"DNC_GATE_BIAS": "x"})))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero locations", func(c *Config) { c.Engine.Locations = 0 }},
		{"zero read heads", func(c *Config) { c.Engine.ReadHeads = 0 }},
		{"unknown backend", func(c *Config) { c.Engine.Backend = "avx512" }},
		{"no agents", func(c *Config) { c.Pool.Agents = 0 }},
		{"negative workers", func(c *Config) { c.Pool.Workers = -1 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Engine.VectorSize = -1
	assert.ErrorIs(t, cfg.Validate(), runtime.ErrInvalidConfig)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "steps", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.EqualValues(t, 3, entry["steps"])

	buf.Reset()
	logger, err = NewLogger(LogConfig{}, &buf)
	require.NoError(t, err)
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	_, err = NewLogger(LogConfig{Format: "xml"}, &buf)
	assert.Error(t, err)
	_, err = NewLogger(LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}
