package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the runtime.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Storage  StorageConfig  `yaml:"storage"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Studio   StudioConfig   `yaml:"studio"`
	Renderer RendererConfig `yaml:"renderer"`
	Perf     PerfConfig     `yaml:"perf"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects between the in-memory stores (USE_DB=0) and the
// postgres-backed ones.
type DatabaseConfig struct {
	UseDB bool   `yaml:"use_db"`
	URL   string `yaml:"url"`
}

// RedisConfig holds the response-cache backend. Empty Addr keeps the
// in-memory cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig holds job worker settings.
type WorkerConfig struct {
	PollMS       int    `yaml:"poll_ms"`
	Batch        int    `yaml:"batch"`
	OrgID         string `yaml:"org_id"`
	CleanupHours  int    `yaml:"cleanup_hours"`
	CleanupSource string `yaml:"cleanup_source"`
}

// PollInterval returns the poll cadence as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMS) * time.Millisecond
}

// StorageConfig selects the bytes storage backend.
type StorageConfig struct {
	Type   string `yaml:"type"` // "local" or "s3"
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

// SecretsConfig holds the secret-at-rest key. The key is 32 bytes, raw or
// urlsafe-base64.
type SecretsConfig struct {
	AppSecretKey string `yaml:"app_secret_key"`
}

// StudioConfig bounds patchset batches applied through the studio.
type StudioConfig struct {
	MaxAgentIters int `yaml:"max_agent_iters"`
	MaxAgentOps   int `yaml:"max_agent_ops"`
}

// RendererConfig points at the headless HTML-to-PDF service.
type RendererConfig struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// PerfConfig carries advisory performance budgets surfaced in diagnostics.
type PerfConfig struct {
	P95MSBootstrapList      int `yaml:"p95_ms_bootstrap_list"`
	MaxQueriesBootstrapList int `yaml:"max_queries_bootstrap_list"`
	P95MSBootstrapForm      int `yaml:"p95_ms_bootstrap_form"`
	MaxQueriesBootstrapForm int `yaml:"max_queries_bootstrap_form"`
}

// Load reads the YAML config at path (missing file is fine), fills defaults,
// and applies environment overrides. A .env file is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if c.Worker.PollMS == 0 {
		c.Worker.PollMS = 1000
	}
	if c.Worker.Batch == 0 {
		c.Worker.Batch = 10
	}
	if c.Worker.CleanupHours == 0 {
		c.Worker.CleanupHours = 24
	}
	if c.Worker.CleanupSource == "" {
		c.Worker.CleanupSource = "preview"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "local"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/blobs"
	}
	if c.Studio.MaxAgentIters == 0 {
		c.Studio.MaxAgentIters = 8
	}
	if c.Studio.MaxAgentOps == 0 {
		c.Studio.MaxAgentOps = 200
	}
	if c.Renderer.TimeoutMS == 0 {
		c.Renderer.TimeoutMS = 30000
	}
	if c.Perf.P95MSBootstrapList == 0 {
		c.Perf.P95MSBootstrapList = 250
	}
	if c.Perf.MaxQueriesBootstrapList == 0 {
		c.Perf.MaxQueriesBootstrapList = 10
	}
	if c.Perf.P95MSBootstrapForm == 0 {
		c.Perf.P95MSBootstrapForm = 250
	}
	if c.Perf.MaxQueriesBootstrapForm == 0 {
		c.Perf.MaxQueriesBootstrapForm = 10
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("SERVER_PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv("USE_DB"); v != "" {
		c.Database.UseDB = v == "1"
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v, ok := envInt("WORKER_POLL_MS"); ok {
		c.Worker.PollMS = v
	}
	if v, ok := envInt("WORKER_BATCH"); ok {
		c.Worker.Batch = v
	}
	if v := os.Getenv("WORKER_ORG_ID"); v != "" {
		c.Worker.OrgID = v
	}
	if v, ok := envInt("CLEANUP_HOURS"); ok {
		c.Worker.CleanupHours = v
	}
	if v := os.Getenv("CLEANUP_SOURCE"); v != "" {
		c.Worker.CleanupSource = v
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_REGION"); v != "" {
		c.Storage.Region = v
	}
	if v := os.Getenv("APP_SECRET_KEY"); v != "" {
		c.Secrets.AppSecretKey = v
	}
	if v, ok := envInt("MAX_AGENT_ITERS"); ok {
		c.Studio.MaxAgentIters = v
	}
	if v, ok := envInt("MAX_AGENT_OPS"); ok {
		c.Studio.MaxAgentOps = v
	}
	if v := os.Getenv("PDF_RENDERER_URL"); v != "" {
		c.Renderer.URL = v
	}
	if v, ok := envInt("PERF_P95_MS_BOOTSTRAP_LIST"); ok {
		c.Perf.P95MSBootstrapList = v
	}
	if v, ok := envInt("PERF_MAX_QUERIES_BOOTSTRAP_LIST"); ok {
		c.Perf.MaxQueriesBootstrapList = v
	}
	if v, ok := envInt("PERF_P95_MS_BOOTSTRAP_FORM"); ok {
		c.Perf.P95MSBootstrapForm = v
	}
	if v, ok := envInt("PERF_MAX_QUERIES_BOOTSTRAP_FORM"); ok {
		c.Perf.MaxQueriesBootstrapForm = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
