// Package config loads and validates cdrgraph configuration.
//
// Configuration is enumerated once at startup: the column mapping that
// tells the record parser which column means what, ingestion concurrency,
// query limits, and the storage backend. A configuration that fails
// validation is fatal before any row is parsed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Benny93/cdrgraph/internal/graph"
)

// DataDir is the per-project directory holding the store and metadata.
const DataDir = ".cdrgraph"

// Timestamp format presets accepted in place of a Go layout.
const (
	FormatRFC3339    = "rfc3339"
	FormatUnix       = "unix"
	FormatUnixMillis = "unix_ms"
)

// Storage backends.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
	BackendNeo4j  = "neo4j"
)

// ColumnMapping names the input columns that carry each record field.
// Column names are matched against the header case-insensitively.
type ColumnMapping struct {
	Caller          string `yaml:"caller" validate:"required"`
	Callee          string `yaml:"callee" validate:"required"`
	Timestamp       string `yaml:"timestamp" validate:"required"`
	TimestampFormat string `yaml:"timestamp_format" validate:"required"`
	Timezone        string `yaml:"timezone"`

	// Exactly one of Duration and EndTimestamp must be set. With
	// EndTimestamp the duration is end minus start.
	Duration     string `yaml:"duration" validate:"required_without=EndTimestamp,excluded_with=EndTimestamp"`
	EndTimestamp string `yaml:"end_timestamp"`

	RecordType string `yaml:"record_type"`
	Status     string `yaml:"status"`
}

// IngestConfig controls pipeline concurrency.
type IngestConfig struct {
	Workers   int `yaml:"workers" validate:"min=1,max=256"`
	Lanes     int `yaml:"lanes" validate:"min=1,max=1024"`
	QueueSize int `yaml:"queue_size" validate:"min=1"`
}

// QueryConfig holds default subgraph limits.
type QueryConfig struct {
	MaxDepth int `yaml:"max_depth" validate:"min=0,max=10"`
	MaxNodes int `yaml:"max_nodes" validate:"min=1,max=10000"`
}

// Neo4jConfig configures the Neo4j backend.
type Neo4jConfig struct {
	URI            string `yaml:"uri"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"min=0"`
	MaxPoolSize    int    `yaml:"max_pool_size" validate:"min=0"`
}

// StoreConfig selects and configures the graph store.
type StoreConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=badger memory neo4j"`
	Path    string      `yaml:"path"`
	Neo4j   Neo4jConfig `yaml:"neo4j"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Mode string `yaml:"mode" validate:"oneof=dev prod"`
}

// Config is the complete cdrgraph configuration.
type Config struct {
	Columns   ColumnMapping `yaml:"columns"`
	Delimiter string        `yaml:"delimiter" validate:"len=1"`
	Ingest    IngestConfig  `yaml:"ingest"`
	Query     QueryConfig   `yaml:"query"`
	Store     StoreConfig   `yaml:"store"`
	Log       LogConfig     `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Columns: ColumnMapping{
			Caller:          "caller",
			Callee:          "callee",
			Timestamp:       "start_time",
			TimestampFormat: FormatRFC3339,
			Timezone:        "UTC",
			Duration:        "duration",
		},
		Delimiter: ",",
		Ingest: IngestConfig{
			Workers:   4,
			Lanes:     8,
			QueueSize: 1024,
		},
		Query: QueryConfig{
			MaxDepth: 2,
			MaxNodes: 200,
		},
		Store: StoreConfig{
			Backend: BackendBadger,
			Path:    filepath.Join(DataDir, "badger"),
			Neo4j: Neo4jConfig{
				User:           "neo4j",
				TimeoutSeconds: 10,
				MaxPoolSize:    50,
			},
		},
		Log: LogConfig{
			Mode: "dev",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", graph.ErrConfiguration, path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides Neo4j connection settings from the environment.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("NEO4J_URI")); v != "" {
		c.Store.Neo4j.URI = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_USER")); v != "" {
		c.Store.Neo4j.User = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		c.Store.Neo4j.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_DATABASE")); v != "" {
		c.Store.Neo4j.Database = v
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Store.Neo4j.TimeoutSeconds = parsed
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the semantic rules the tags cannot
// express. Every failure wraps graph.ErrConfiguration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", graph.ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", graph.ErrConfiguration, err)
	}

	if err := ValidateTimestampFormat(c.Columns.TimestampFormat); err != nil {
		return err
	}
	if _, err := c.Columns.Location(); err != nil {
		return err
	}
	if c.Store.Backend == BackendBadger && c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required for the badger backend", graph.ErrConfiguration)
	}
	if c.Store.Backend == BackendNeo4j && c.Store.Neo4j.URI == "" {
		return fmt.Errorf("%w: store.neo4j.uri (or NEO4J_URI) is required for the neo4j backend", graph.ErrConfiguration)
	}
	return nil
}

// referenceTime is used to check that a layout contains time tokens.
var referenceTime = time.Date(2009, 11, 17, 20, 34, 58, 0, time.UTC)

// ValidateTimestampFormat accepts a preset name or a Go time layout that
// round-trips and contains at least one layout token.
func ValidateTimestampFormat(format string) error {
	switch format {
	case FormatRFC3339, FormatUnix, FormatUnixMillis:
		return nil
	case "":
		return fmt.Errorf("%w: timestamp format is empty", graph.ErrConfiguration)
	}

	formatted := referenceTime.Format(format)
	if formatted == format {
		return fmt.Errorf("%w: timestamp format %q contains no layout tokens", graph.ErrConfiguration, format)
	}
	if _, err := time.Parse(format, formatted); err != nil {
		return fmt.Errorf("%w: timestamp format %q does not round-trip: %w", graph.ErrConfiguration, format, err)
	}
	return nil
}

// Location returns the time zone for zone-less timestamps.
func (m ColumnMapping) Location() (*time.Location, error) {
	if m.Timezone == "" || strings.EqualFold(m.Timezone, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %w", graph.ErrConfiguration, m.Timezone, err)
	}
	return loc, nil
}

// DefaultPath returns the project config file path if it exists.
func DefaultPath(root string) string {
	p := filepath.Join(root, DataDir, "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}
