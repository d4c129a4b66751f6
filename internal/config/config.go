// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/climate-archive-crawler/internal/archive"
	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
)

// EnvPrefix is prepended to every environment override, e.g.
// EPWCRAWLER_RETRIEVAL_OUTPUT_DIR.
const EnvPrefix = "EPWCRAWLER"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Index     IndexConfig     `mapstructure:"index" yaml:"index"`
	Crawler   CrawlerConfig   `mapstructure:"crawler" yaml:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	DB        DBConfig        `mapstructure:"db" yaml:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub" yaml:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress" yaml:"progress"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// IndexConfig describes the remote index site.
type IndexConfig struct {
	BaseURL          string `mapstructure:"base_url" yaml:"base_url"`
	EntryPath        string `mapstructure:"entry_path" yaml:"entry_path"`
	RegionPattern    string `mapstructure:"region_pattern" yaml:"region_pattern"`
	FileTableSummary string `mapstructure:"file_table_summary" yaml:"file_table_summary"`
	ArchiveExtension string `mapstructure:"archive_extension" yaml:"archive_extension"`
}

// CrawlerConfig governs the hierarchical crawl.
type CrawlerConfig struct {
	Concurrency   int    `mapstructure:"concurrency" yaml:"concurrency"`
	FailurePolicy string `mapstructure:"failure_policy" yaml:"failure_policy"`
}

// HTTPConfig configures the shared fetcher.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent" yaml:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots" yaml:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// RetrievalConfig governs archive download and extraction.
type RetrievalConfig struct {
	OutputDir     string `mapstructure:"output_dir" yaml:"output_dir"`
	Concurrency   int    `mapstructure:"concurrency" yaml:"concurrency"`
	DataExtension string `mapstructure:"data_extension" yaml:"data_extension"`
}

// StorageConfig selects the mirror backend for freshly retrieved files.
type StorageConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Bucket      string `mapstructure:"bucket" yaml:"bucket"`
	BaseDir     string `mapstructure:"base_dir" yaml:"base_dir"`
	Prefix      string `mapstructure:"prefix" yaml:"prefix"`
	ContentType string `mapstructure:"content_type" yaml:"content_type"`
}

// DBConfig controls the catalog database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn" yaml:"dsn"`
	Table                  string `mapstructure:"table" yaml:"table"`
	MaxConns               int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes" yaml:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for file notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	TopicName string `mapstructure:"topic_name" yaml:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled" yaml:"enabled"`
	LogEnabled    bool `mapstructure:"log_enabled" yaml:"log_enabled"`
	BufferSize    int  `mapstructure:"buffer_size" yaml:"buffer_size"`
	MaxEvents     int  `mapstructure:"max_batch_events" yaml:"max_batch_events"`
	MaxWaitMs     int  `mapstructure:"max_batch_wait_ms" yaml:"max_batch_wait_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms" yaml:"sink_timeout_ms"`
}

// MetricsConfig controls the operational HTTP listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development" yaml:"development"`
}

var storageBackends = map[string]struct{}{
	"none":   {},
	"memory": {},
	"local":  {},
	"gcs":    {},
}

// Load builds a Config from defaults, an optional file, and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index.base_url", "https://climate.onebuilding.org")
	v.SetDefault("index.entry_path", "/default.html")
	v.SetDefault("index.region_pattern", "WMO_Region_")
	v.SetDefault("index.file_table_summary", "file table")
	v.SetDefault("index.archive_extension", ".zip")
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.failure_policy", string(crawler.FailurePolicyContinue))
	v.SetDefault("http.user_agent", "epwcrawler/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("retrieval.output_dir", "data")
	v.SetDefault("retrieval.concurrency", 8)
	v.SetDefault("retrieval.data_extension", ".epw")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "epw")
	v.SetDefault("storage.content_type", "text/plain; charset=utf-8")
	v.SetDefault("db.table", "epw_files")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Index.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("index.base_url must be an absolute URL, got %q", c.Index.BaseURL)
	}
	if reg := archive.NewRegistry(); !reg.Supports(c.Index.ArchiveExtension) {
		return fmt.Errorf("index.archive_extension %q has no extractor; supported: %s",
			c.Index.ArchiveExtension, strings.Join(reg.Extensions(), ", "))
	}
	if c.Crawler.Concurrency <= 0 {
		return errors.New("crawler.concurrency must be > 0")
	}
	if _, err := crawler.ParseFailurePolicy(c.Crawler.FailurePolicy); err != nil {
		return fmt.Errorf("crawler.failure_policy: %w", err)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return errors.New("http.max_body_bytes must be >= 0")
	}
	if strings.TrimSpace(c.Retrieval.OutputDir) == "" {
		return errors.New("retrieval.output_dir is required")
	}
	if c.Retrieval.Concurrency <= 0 {
		return errors.New("retrieval.concurrency must be > 0")
	}
	if _, ok := storageBackends[c.Storage.Backend]; !ok {
		return fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return errors.New("storage.bucket must be set when storage.backend is gcs")
	}
	if c.Storage.Backend == "local" && c.Storage.BaseDir == "" {
		return errors.New("storage.base_dir must be set when storage.backend is local")
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return errors.New("db.min_conns must not exceed db.max_conns")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// EntryURL joins the index base URL and entry path.
func (c Config) EntryURL() string {
	return strings.TrimRight(c.Index.BaseURL, "/") + "/" + strings.TrimLeft(c.Index.EntryPath, "/")
}

// RequestTimeout converts http.timeout_seconds into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Redacted returns a copy safe to print: the database DSN password is masked.
func (c Config) Redacted() Config {
	out := c
	if out.DB.DSN == "" {
		return out
	}
	u, err := url.Parse(out.DB.DSN)
	if err != nil || u.User == nil {
		out.DB.DSN = "<redacted>"
		return out
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	out.DB.DSN = u.String()
	return out
}

// YAML renders the redacted config.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
