package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// isolate points the user config at an empty temp dir so a developer's
// ~/.config/tonecapture never leaks into tests.
func isolate(t *testing.T) string {
	t.Helper()
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	return xdg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults are applied and valid
	require.NotNil(t, cfg)
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, DataDirName, cfg.Storage.DataDir)
	assert.Equal(t, 128, cfg.Vector.Dimension)
	assert.Equal(t, "cosine", cfg.Vector.Metric)
	assert.Equal(t, "hnsw", cfg.Vector.Mode)
	assert.Equal(t, 16, cfg.Vector.M)
	assert.Equal(t, 1000, cfg.Vector.EfSearch)
	assert.Equal(t, "bitmap", cfg.Filter.Backend)
	assert.Equal(t, "kmeans", cfg.Cluster.Algorithm)
	assert.Equal(t, 8, cfg.Cluster.K)
	assert.Equal(t, int64(42), cfg.Cluster.Seed)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Contains(t, cfg.Ingest.Extensions, ".wav")
	assert.Contains(t, cfg.Ingest.Extensions, ".nam")
	assert.NoError(t, cfg.Validate())
}

func TestDefaultSchema_DeclaresSignalChainAttributes(t *testing.T) {
	schema := DefaultSchema()

	names := make(map[string]AttributeConfig)
	for _, a := range schema.Attributes {
		names[a.Name] = a
	}
	for _, n := range []string{"microphone", "speaker", "amplifier", "cabinet", "pedal", "manufacturer"} {
		require.Contains(t, names, n)
		assert.Equal(t, "string", names[n].Type)
		assert.True(t, names[n].Multi)
	}
	assert.Equal(t, "number", names["sample_rate"].Type)
	assert.Equal(t, "date", names["recorded_at"].Type)
	assert.False(t, schema.Strict)
}

func TestLoad_NoConfigFile_ReturnsDefaults(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DataDirName), cfg.Storage.DataDir)
	assert.Equal(t, 128, cfg.Vector.Dimension)
}

func TestLoad_ProjectFile_OverridesOnlyGivenKeys(t *testing.T) {
	// Given: a project config touching a few keys
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectConfigName), `
vector:
  dimension: 32
  metric: euclidean
filter:
  backend: bleve
cluster:
  algorithm: dbscan
  eps: 0.5
ingest:
  ignore: ["*.tmp.wav", "scratch/"]
`)

	// When: loading
	cfg, err := Load(dir)

	// Then: given keys change, the rest keep defaults
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Vector.Dimension)
	assert.Equal(t, "euclidean", cfg.Vector.Metric)
	assert.Equal(t, 16, cfg.Vector.M)
	assert.Equal(t, "bleve", cfg.Filter.Backend)
	assert.Equal(t, "dbscan", cfg.Cluster.Algorithm)
	assert.Equal(t, 0.5, cfg.Cluster.Eps)
	assert.Equal(t, 8, cfg.Cluster.K)
	assert.Equal(t, []string{"*.tmp.wav", "scratch/"}, cfg.Ingest.Ignore)
	assert.Contains(t, cfg.Ingest.Extensions, ".wav")
}

func TestLoad_AbsoluteDataDirIsKept(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	data := filepath.Join(t.TempDir(), "elsewhere")
	writeFile(t, filepath.Join(dir, ProjectConfigName), "storage:\n  data_dir: "+data+"\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, data, cfg.Storage.DataDir)
}

func TestLoad_PrecedenceUserProjectEnv(t *testing.T) {
	// Given: user, project and env all set cluster.k
	xdg := isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(xdg, "tonecapture", "config.yaml"), "cluster:\n  k: 3\nvector:\n  dimension: 16\n")
	writeFile(t, filepath.Join(dir, ProjectConfigName), "cluster:\n  k: 5\n")

	// When: only user and project are present
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: project beats user, untouched user keys survive
	assert.Equal(t, 5, cfg.Cluster.K)
	assert.Equal(t, 16, cfg.Vector.Dimension)

	// When: env is also set
	t.Setenv("TONECAPTURE_CLUSTER_K", "7")
	t.Setenv("TONECAPTURE_METRIC", "EUCLIDEAN")
	cfg, err = Load(dir)
	require.NoError(t, err)

	// Then: env wins
	assert.Equal(t, 7, cfg.Cluster.K)
	assert.Equal(t, "euclidean", cfg.Vector.Metric)
}

func TestLoad_EnvMalformedNumberIgnored(t *testing.T) {
	isolate(t)
	t.Setenv("TONECAPTURE_DIMENSION", "lots")

	cfg, err := Load(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Vector.Dimension)
}

func TestLoad_InvalidYaml_ReturnsConfigError(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectConfigName), "vector:\n  dimension: [oops\n")

	cfg, err := Load(dir)

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, tcerrors.ErrCodeConfigInvalid, tcerrors.GetCode(err))
	assert.Contains(t, err.Error(), "parse")
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero dimension", func(c *Config) { c.Vector.Dimension = 0 }, "Dimension"},
		{"unknown metric", func(c *Config) { c.Vector.Metric = "manhattan" }, "Metric"},
		{"unknown backend", func(c *Config) { c.Filter.Backend = "sql" }, "Backend"},
		{"unknown algorithm", func(c *Config) { c.Cluster.Algorithm = "spectral" }, "Algorithm"},
		{"zero k", func(c *Config) { c.Cluster.K = 0 }, "K"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"extension without dot", func(c *Config) { c.Ingest.Extensions = []string{"wav"} }, "Extensions"},
		{"bad duration", func(c *Config) { c.Events.MaxBackoff = "soon" }, "events.max_backoff"},
		{"negative duration", func(c *Config) { c.Ingest.WatchDebounce = "-1s" }, "ingest.watch_debounce"},
		{"duplicate attribute", func(c *Config) {
			c.Schema.Attributes = append(c.Schema.Attributes, AttributeConfig{Name: "pedal", Type: "string"})
		}, "declared twice"},
		{"enum without values", func(c *Config) {
			c.Schema.Attributes = append(c.Schema.Attributes, AttributeConfig{Name: "room", Type: "enum"})
		}, "no values"},
		{"values on non-enum", func(c *Config) {
			c.Schema.Attributes = append(c.Schema.Attributes, AttributeConfig{Name: "room", Type: "string", Enum: []string{"a"}})
		}, "lists enum values"},
		{"bad attribute type", func(c *Config) {
			c.Schema.Attributes = append(c.Schema.Attributes, AttributeConfig{Name: "room", Type: "blob"})
		}, "Type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Equal(t, tcerrors.CategoryConfig, tcerrors.GetCategory(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := NewConfig()

	initial, maxDelay := cfg.Events.Backoff()
	assert.Equal(t, 50*time.Millisecond, initial)
	assert.Equal(t, 2*time.Second, maxDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Ingest.Debounce())
	assert.Equal(t, 10*time.Minute, cfg.Storage.GCEvery())

	cfg.Storage.GCInterval = "0"
	assert.Zero(t, cfg.Storage.GCEvery())
}

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.Vector.Dimension = 48
	cfg.Schema.Strict = true

	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ProjectConfigName)))
	loaded, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 48, loaded.Vector.Dimension)
	assert.True(t, loaded.Schema.Strict)
	assert.Equal(t, cfg.Schema.Attributes, loaded.Schema.Attributes)
}

func TestGetUserConfigPath_RespectsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/xdg")
	assert.Equal(t, filepath.Join("/custom/xdg", "tonecapture", "config.yaml"), GetUserConfigPath())
}

func TestFindArchiveRoot(t *testing.T) {
	t.Run("config file marks root", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, ProjectConfigName), "version: 1\n")
		sub := filepath.Join(root, "irs", "cabs")
		require.NoError(t, os.MkdirAll(sub, 0o755))

		got, err := FindArchiveRoot(sub)

		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("data dir marks root", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, DataDirName), 0o755))
		sub := filepath.Join(root, "nam")
		require.NoError(t, os.MkdirAll(sub, 0o755))

		got, err := FindArchiveRoot(sub)

		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("no markers returns start", func(t *testing.T) {
		start := t.TempDir()

		got, err := FindArchiveRoot(start)

		require.NoError(t, err)
		assert.Equal(t, start, got)
	})
}
