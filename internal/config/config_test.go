package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://climate.onebuilding.org", cfg.Index.BaseURL)
	assert.Equal(t, "https://climate.onebuilding.org/default.html", cfg.EntryURL())
	assert.Equal(t, 8, cfg.Crawler.Concurrency)
	assert.Equal(t, string(crawler.FailurePolicyContinue), cfg.Crawler.FailurePolicy)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "data", cfg.Retrieval.OutputDir)
	assert.Equal(t, ".epw", cfg.Retrieval.DataExtension)
	assert.Equal(t, "none", cfg.Storage.Backend)
	assert.Equal(t, "epw_files", cfg.DB.Table)
	assert.True(t, cfg.Progress.Enabled)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeConfig(t, `
index:
  base_url: http://mirror.example.org
  entry_path: index.html
crawler:
  concurrency: 3
  failure_policy: abort
http:
  user_agent: test-agent
  timeout_seconds: 5
retrieval:
  output_dir: /tmp/epw
  concurrency: 2
storage:
  backend: gcs
  bucket: epw-mirror
  prefix: raw
db:
  dsn: postgres://crawler:hunter2@db:5432/climate
  max_conns: 8
pubsub:
  project_id: proj
  topic_name: epw-files
metrics:
  addr: ":9090"
logging:
  development: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://mirror.example.org/index.html", cfg.EntryURL())
	assert.Equal(t, 3, cfg.Crawler.Concurrency)
	assert.Equal(t, "abort", cfg.Crawler.FailurePolicy)
	assert.Equal(t, "test-agent", cfg.HTTP.UserAgent)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "/tmp/epw", cfg.Retrieval.OutputDir)
	assert.Equal(t, "gcs", cfg.Storage.Backend)
	assert.Equal(t, "epw-mirror", cfg.Storage.Bucket)
	assert.Equal(t, int32(8), cfg.DB.MaxConns)
	assert.Equal(t, "epw-files", cfg.PubSub.TopicName)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.False(t, cfg.Logging.Development)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("EPWCRAWLER_RETRIEVAL_OUTPUT_DIR", "/srv/epw")
	t.Setenv("EPWCRAWLER_CRAWLER_CONCURRENCY", "16")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/epw", cfg.Retrieval.OutputDir)
	assert.Equal(t, 16, cfg.Crawler.Concurrency)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative base url", func(c *Config) { c.Index.BaseURL = "climate.example.org" }, "index.base_url"},
		{"unsupported archive", func(c *Config) { c.Index.ArchiveExtension = ".tar.gz" }, "index.archive_extension"},
		{"empty archive", func(c *Config) { c.Index.ArchiveExtension = "" }, "index.archive_extension"},
		{"zero crawl concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"unknown policy", func(c *Config) { c.Crawler.FailurePolicy = "retry" }, "crawler.failure_policy"},
		{"zero timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"negative body cap", func(c *Config) { c.HTTP.MaxBodyBytes = -1 }, "http.max_body_bytes"},
		{"blank output", func(c *Config) { c.Retrieval.OutputDir = " " }, "retrieval.output_dir"},
		{"zero retrieval concurrency", func(c *Config) { c.Retrieval.Concurrency = 0 }, "retrieval.concurrency"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local" }, "storage.base_dir"},
		{"pool bounds", func(c *Config) { c.DB.MinConns = 10 }, "db.min_conns"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateArchiveExtensionSpellings(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	for _, ext := range []string{".zip", ".ZIP", "zip"} {
		cfg := base
		cfg.Index.ArchiveExtension = ext
		assert.NoError(t, cfg.Validate(), "extension %q", ext)
	}
}

func TestYAMLRedactsPassword(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.DB.DSN = "postgres://crawler:hunter2@db:5432/climate"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	var decoded Config
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, "postgres://crawler:xxxxx@db:5432/climate", decoded.DB.DSN)
	assert.Equal(t, cfg.Retrieval, decoded.Retrieval)
	assert.Equal(t, "postgres://crawler:hunter2@db:5432/climate", cfg.DB.DSN, "original must be untouched")
}
