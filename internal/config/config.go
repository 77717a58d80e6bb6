package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// ProjectConfigName is the per-archive configuration file.
const ProjectConfigName = ".tonecapture.yaml"

// DataDirName is the default data directory created next to ProjectConfigName.
const DataDirName = ".tonecapture"

// Config represents the complete tonecapture configuration.
type Config struct {
	Version int           `yaml:"version" json:"version" validate:"gte=1"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Vector  VectorConfig  `yaml:"vector" json:"vector"`
	Filter  FilterConfig  `yaml:"filter" json:"filter"`
	Cluster ClusterConfig `yaml:"cluster" json:"cluster"`
	Events  EventsConfig  `yaml:"events" json:"events"`
	Ingest  IngestConfig  `yaml:"ingest" json:"ingest"`
	Schema  SchemaConfig  `yaml:"schema" json:"schema"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// StorageConfig configures the registry database and the blob store.
type StorageConfig struct {
	// DataDir holds registry.db, the blob store and the lock file.
	// Relative paths are resolved against the directory passed to Load.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`
	// InMemory keeps the registry and the blobs in memory (tests, throwaway archives).
	InMemory bool `yaml:"in_memory" json:"in_memory"`
	// CacheEntries is the size of the blob read cache (0 disables it).
	CacheEntries int `yaml:"cache_entries" json:"cache_entries" validate:"gte=0"`
	// SQLiteCacheMB is the registry page cache size.
	SQLiteCacheMB int `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb" validate:"gte=1"`
	// GCInterval runs blob value-log GC periodically ("0" disables).
	GCInterval string `yaml:"gc_interval" json:"gc_interval"`
}

// VectorConfig configures the similarity index.
type VectorConfig struct {
	Dimension int    `yaml:"dimension" json:"dimension" validate:"gte=1,lte=65536"`
	Metric    string `yaml:"metric" json:"metric" validate:"oneof=cosine euclidean"`
	// Mode is "hnsw" (approximate) or "exhaustive" (linear scan, always exact).
	Mode     string `yaml:"mode" json:"mode" validate:"oneof=hnsw exhaustive"`
	M        int    `yaml:"m" json:"m" validate:"gte=2,lte=128"`
	EfSearch int    `yaml:"ef_search" json:"ef_search" validate:"gte=1"`
	// ExhaustiveThreshold is the candidate-set size under which filtered
	// searches scan the subset instead of walking the graph.
	ExhaustiveThreshold int `yaml:"exhaustive_threshold" json:"exhaustive_threshold" validate:"gte=0"`
	// OrphanThreshold is the removed/total ratio that triggers a graph rebuild.
	OrphanThreshold float64 `yaml:"orphan_threshold" json:"orphan_threshold" validate:"gte=0,lte=1"`
	Seed            int64   `yaml:"seed" json:"seed"`
}

// FilterConfig configures the metadata filter index.
type FilterConfig struct {
	// Backend is "bitmap" (roaring posting lists) or "bleve".
	Backend string `yaml:"backend" json:"backend" validate:"oneof=bitmap bleve"`
}

// ClusterConfig configures the cluster engine.
type ClusterConfig struct {
	Algorithm     string  `yaml:"algorithm" json:"algorithm" validate:"oneof=kmeans dbscan"`
	K             int     `yaml:"k" json:"k" validate:"gte=1"`
	MaxIterations int     `yaml:"max_iterations" json:"max_iterations" validate:"gte=1"`
	Tolerance     float64 `yaml:"tolerance" json:"tolerance" validate:"gte=0"`
	Seed          int64   `yaml:"seed" json:"seed"`
	Eps           float64 `yaml:"eps" json:"eps" validate:"gt=0"`
	MinPoints     int     `yaml:"min_points" json:"min_points" validate:"gte=1"`
	Workers       int     `yaml:"workers" json:"workers" validate:"gte=1"`
}

// EventsConfig configures delivery of registry events to the indexes.
type EventsConfig struct {
	MaxRetries     int    `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	InitialBackoff string `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff" json:"max_backoff"`
	// PruneKeep is how many acknowledged events survive a Prune.
	PruneKeep int `yaml:"prune_keep" json:"prune_keep" validate:"gte=0"`
}

// IngestConfig configures file ingestion and the directory watcher.
type IngestConfig struct {
	Extensions    []string `yaml:"extensions" json:"extensions" validate:"min=1,dive,startswith=."`
	WatchDebounce string   `yaml:"watch_debounce" json:"watch_debounce"`
	// Ignore holds gitignore-style patterns skipped by directory ingestion
	// and the watcher, applied before the directory's .tonecaptureignore.
	Ignore []string `yaml:"ignore,omitempty" json:"ignore,omitempty"`
}

// SchemaConfig declares typed attributes.
type SchemaConfig struct {
	// Strict rejects attributes that are not declared.
	Strict     bool              `yaml:"strict" json:"strict"`
	Attributes []AttributeConfig `yaml:"attributes" json:"attributes" validate:"dive"`
}

// AttributeConfig declares one attribute.
type AttributeConfig struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	Type string `yaml:"type" json:"type" validate:"oneof=string number enum date"`
	// Required lists capture kinds that must carry this attribute.
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
	Enum     []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Multi    bool     `yaml:"multi" json:"multi"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb" validate:"gte=1"`
	MaxFiles  int    `yaml:"max_files" json:"max_files" validate:"gte=1"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			DataDir:       DataDirName,
			CacheEntries:  256,
			SQLiteCacheMB: 16,
			GCInterval:    "10m",
		},
		Vector: VectorConfig{
			Dimension:           128,
			Metric:              "cosine",
			Mode:                "hnsw",
			M:                   16,
			EfSearch:            1000,
			ExhaustiveThreshold: 256,
			OrphanThreshold:     0.2,
			Seed:                42,
		},
		Filter: FilterConfig{
			Backend: "bitmap",
		},
		Cluster: ClusterConfig{
			Algorithm:     "kmeans",
			K:             8,
			MaxIterations: 100,
			Tolerance:     1e-4,
			Seed:          42,
			Eps:           0.25,
			MinPoints:     4,
			Workers:       runtime.NumCPU(),
		},
		Events: EventsConfig{
			MaxRetries:     5,
			InitialBackoff: "50ms",
			MaxBackoff:     "2s",
			PruneKeep:      1000,
		},
		Ingest: IngestConfig{
			Extensions:    []string{".wav", ".nam", ".aiff", ".flac"},
			WatchDebounce: "500ms",
		},
		Schema: DefaultSchema(),
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// DefaultSchema declares the signal chain attributes and the common numeric/date ones.
func DefaultSchema() SchemaConfig {
	attrs := make([]AttributeConfig, 0, 8)
	for _, name := range []string{"microphone", "speaker", "amplifier", "cabinet", "pedal", "manufacturer"} {
		attrs = append(attrs, AttributeConfig{Name: name, Type: "string", Multi: true})
	}
	attrs = append(attrs,
		AttributeConfig{Name: "sample_rate", Type: "number"},
		AttributeConfig{Name: "recorded_at", Type: "date"},
	)
	return SchemaConfig{Attributes: attrs}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/tonecapture/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/tonecapture/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tonecapture", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "tonecapture", "config.yaml")
	}
	return filepath.Join(home, ".config", "tonecapture", "config.yaml")
}

// Load loads configuration for the archive rooted at dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/tonecapture/config.yaml)
//  3. Project config (.tonecapture.yaml in dir)
//  4. Environment variables (TONECAPTURE_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	if path := filepath.Join(dir, ProjectConfigName); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if !filepath.IsAbs(cfg.Storage.DataDir) {
		cfg.Storage.DataDir = filepath.Join(dir, cfg.Storage.DataDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML decodes path on top of the current values.
// Keys absent from the file keep their current value; lists are replaced.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return tcerrors.New(tcerrors.ErrCodeConfigNotFound, "failed to read config file "+path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return tcerrors.ConfigError("failed to parse config file "+path, err)
	}
	return nil
}

// applyEnvOverrides applies TONECAPTURE_* environment variable overrides.
// Malformed numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TONECAPTURE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("TONECAPTURE_DIMENSION"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			c.Vector.Dimension = d
		}
	}
	if v := os.Getenv("TONECAPTURE_METRIC"); v != "" {
		c.Vector.Metric = strings.ToLower(v)
	}
	if v := os.Getenv("TONECAPTURE_VECTOR_MODE"); v != "" {
		c.Vector.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("TONECAPTURE_FILTER_BACKEND"); v != "" {
		c.Filter.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TONECAPTURE_CLUSTER_ALGORITHM"); v != "" {
		c.Cluster.Algorithm = strings.ToLower(v)
	}
	if v := os.Getenv("TONECAPTURE_CLUSTER_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			c.Cluster.K = k
		}
	}
	if v := os.Getenv("TONECAPTURE_CLUSTER_SEED"); v != "" {
		if s, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cluster.Seed = s
		}
	}
	if v := os.Getenv("TONECAPTURE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return tcerrors.ConfigError("invalid configuration: "+describeValidation(err), err)
	}

	for _, d := range []struct{ name, value string }{
		{"storage.gc_interval", c.Storage.GCInterval},
		{"events.initial_backoff", c.Events.InitialBackoff},
		{"events.max_backoff", c.Events.MaxBackoff},
		{"ingest.watch_debounce", c.Ingest.WatchDebounce},
	} {
		if _, err := parseDuration(d.value); err != nil {
			return tcerrors.ConfigError(fmt.Sprintf("%s: %v", d.name, err), err)
		}
	}

	seen := make(map[string]bool, len(c.Schema.Attributes))
	for _, a := range c.Schema.Attributes {
		if seen[a.Name] {
			return tcerrors.ConfigError("schema attribute declared twice: "+a.Name, nil)
		}
		seen[a.Name] = true
		if a.Type == "enum" && len(a.Enum) == 0 {
			return tcerrors.ConfigError("enum attribute "+a.Name+" has no values", nil)
		}
		if a.Type != "enum" && len(a.Enum) > 0 {
			return tcerrors.ConfigError("attribute "+a.Name+" lists enum values but is type "+a.Type, nil)
		}
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		param := fe.Param()
		if param != "" {
			param = "=" + param
		}
		parts = append(parts, fmt.Sprintf("%s failed %s%s (got %v)", fe.Namespace(), fe.Tag(), param, fe.Value()))
	}
	return strings.Join(parts, "; ")
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FindArchiveRoot walks up from startDir looking for .tonecapture.yaml or a
// .tonecapture data directory. Returns startDir (absolute) when neither is found.
func FindArchiveRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	current := absDir
	for {
		if fileExists(filepath.Join(current, ProjectConfigName)) || dirExists(filepath.Join(current, DataDirName)) {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return absDir, nil
		}
		current = parent
	}
}

// GCEvery returns the parsed storage.gc_interval (0 disables).
func (s StorageConfig) GCEvery() time.Duration {
	d, _ := parseDuration(s.GCInterval)
	return d
}

// Backoff returns the parsed initial and max backoff for event delivery.
func (e EventsConfig) Backoff() (initial, maxDelay time.Duration) {
	initial, _ = parseDuration(e.InitialBackoff)
	maxDelay, _ = parseDuration(e.MaxBackoff)
	return initial, maxDelay
}

// Debounce returns the parsed watcher debounce window.
func (i IngestConfig) Debounce() time.Duration {
	d, _ := parseDuration(i.WatchDebounce)
	return d
}

// parseDuration accepts "" and "0" as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
