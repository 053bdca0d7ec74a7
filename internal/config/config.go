package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ETH_LAKEHOUSE_"

type Config struct {
	Env         string            `yaml:"env"`
	Lakehouse   LakehouseConfig   `yaml:"lakehouse"`
	Engine      EngineConfig      `yaml:"engine"`
	Storage     StorageConfig     `yaml:"storage"`
	Chain       ChainConfig       `yaml:"chain"`
	RunState    RunStateConfig    `yaml:"run_state"`
	TokenMeta   TokenMetaConfig   `yaml:"token_metadata"`
	DocStore    DocStoreConfig    `yaml:"doc_store"`
	Notify      NotifyConfig      `yaml:"notify"`
	Perf        PerfConfig        `yaml:"perf"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type LakehouseConfig struct {
	Bucket            string `yaml:"bucket"`
	DataSource        string `yaml:"data_source"`
	RawDatabase       string `yaml:"raw_database"`
	StageDatabase     string `yaml:"stage_database"`
	AnalyticsDatabase string `yaml:"analytics_database"`
	QueriesDir        string `yaml:"queries_dir"`
}

type EngineConfig struct {
	Kind           string        `yaml:"kind"` // "athena" | "duckdb"
	Region         string        `yaml:"region"`
	Workgroup      string        `yaml:"workgroup"`
	OutputLocation string        `yaml:"output_location"`
	Catalog        string        `yaml:"catalog"`
	DuckDBPath     string        `yaml:"duckdb_path"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // "local" | "s3" | "gcs"
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	LocalDir string `yaml:"local_dir"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type ChainConfig struct {
	RPCURLs      []string      `yaml:"rpc_urls"`
	HeadRPCURL   string        `yaml:"head_rpc_url"`
	ExtractorBin string        `yaml:"extractor_bin"`
	WorkDir      string        `yaml:"work_dir"`
	Timeout      time.Duration `yaml:"timeout"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
	Retries      int           `yaml:"retries"` // 0 means len(rpc_urls)
	GenesisBlock int64         `yaml:"genesis_block"`
}

type RunStateConfig struct {
	Backend     string `yaml:"backend"` // "file" | "postgres"
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type TokenMetaConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"api_key"`
	PageSize   int           `yaml:"page_size"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	PageDelay  time.Duration `yaml:"page_delay"`
}

type DocStoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type NotifyConfig struct {
	WebhookURL            string `yaml:"webhook_url"`
	DataQualityWebhookURL string `yaml:"data_quality_webhook_url"`
	BaseURL               string `yaml:"base_url"`
	Pipeline              string `yaml:"pipeline"`
}

type PerfConfig struct {
	ChunkWorkers      int           `yaml:"chunk_workers"`
	ChunkRetries      int           `yaml:"chunk_retries"`
	ChunkBackoff      time.Duration `yaml:"chunk_backoff"`
	MaxRangeWidth     int64         `yaml:"max_range_width"`
	RawChunkThreshold int64         `yaml:"raw_chunk_threshold"`
	RawChunks         int           `yaml:"raw_chunks"`
	SyncWorkers       int           `yaml:"sync_workers"`
}

type MaintenanceConfig struct {
	Weekday     string `yaml:"weekday"`
	FailOnError bool   `yaml:"fail_on_error"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns a configuration with every tunable at its production default.
func Default() Config {
	return Config{
		Env: "dev",
		Lakehouse: LakehouseConfig{
			DataSource: "ethereum",
			QueriesDir: "queries",
		},
		Engine: EngineConfig{
			Kind:         "athena",
			Catalog:      "AwsDataCatalog",
			Workgroup:    "primary",
			DuckDBPath:   "lakehouse.duckdb",
			PollInterval: time.Second,
		},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./lakehouse",
		},
		Chain: ChainConfig{
			ExtractorBin: "ethereumetl",
			WorkDir:      "data",
			Timeout:      600 * time.Second,
			PingTimeout: 10 * time.Second,
		},
		RunState: RunStateConfig{
			Backend: "file",
			Path:    "run_state.json",
		},
		TokenMeta: TokenMetaConfig{
			Enabled:    true,
			PageSize:   50000,
			Retries:    2,
			RetryDelay: time.Second,
			PageDelay:  time.Second,
		},
		DocStore: DocStoreConfig{
			Database: "features_db",
		},
		Notify: NotifyConfig{
			Pipeline: "ethereum_wallet_transactions",
		},
		Perf: PerfConfig{
			ChunkRetries:      3,
			ChunkBackoff:      time.Second,
			MaxRangeWidth:     5000,
			RawChunkThreshold: 1000,
			RawChunks:         5,
		},
		Maintenance: MaintenanceConfig{
			Weekday: "sunday",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads the YAML file at path (optional), applies environment overrides
// and fills derived defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits on error.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	return cfg
}

func (c *Config) fillDerived() {
	if c.Lakehouse.RawDatabase == "" {
		c.Lakehouse.RawDatabase = "db_raw_" + c.Env
	}
	if c.Lakehouse.StageDatabase == "" {
		c.Lakehouse.StageDatabase = "db_stage_" + c.Env
	}
	if c.Lakehouse.AnalyticsDatabase == "" {
		c.Lakehouse.AnalyticsDatabase = "db_analytics_" + c.Env
	}
	if c.Chain.HeadRPCURL == "" && len(c.Chain.RPCURLs) > 0 {
		c.Chain.HeadRPCURL = c.Chain.RPCURLs[0]
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = c.Lakehouse.Bucket
	}
}

// Validate rejects configurations that cannot run any layer.
func (c Config) Validate() error {
	var errs []error
	if len(c.Chain.RPCURLs) == 0 {
		errs = append(errs, errors.New("chain.rpc_urls must not be empty"))
	}
	switch c.Engine.Kind {
	case "athena", "duckdb":
	default:
		errs = append(errs, fmt.Errorf("unknown engine kind %q", c.Engine.Kind))
	}
	switch c.RunState.Backend {
	case "file":
	case "postgres":
		if c.RunState.PostgresDSN == "" {
			errs = append(errs, errors.New("run_state.postgres_dsn required for postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown run_state backend %q", c.RunState.Backend))
	}
	if c.Perf.MaxRangeWidth <= 0 {
		errs = append(errs, errors.New("perf.max_range_width must be positive"))
	}
	if _, err := ParseWeekday(c.Maintenance.Weekday); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseWeekday maps a weekday name to time.Weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func applyEnv(c *Config) {
	c.Env = getenvDefault("ENV", c.Env)

	c.Lakehouse.Bucket = getenvDefault("LAKEHOUSE_BUCKET", c.Lakehouse.Bucket)
	c.Lakehouse.QueriesDir = getenvDefault("QUERIES_DIR", c.Lakehouse.QueriesDir)

	c.Engine.Kind = getenvDefault("ENGINE", c.Engine.Kind)
	c.Engine.Region = getenvDefault("AWS_REGION", c.Engine.Region)
	c.Engine.Workgroup = getenvDefault("ATHENA_WORKGROUP", c.Engine.Workgroup)
	c.Engine.OutputLocation = getenvDefault("ATHENA_OUTPUT_LOCATION", c.Engine.OutputLocation)
	c.Engine.DuckDBPath = getenvDefault("DUCKDB_PATH", c.Engine.DuckDBPath)

	c.Storage.Backend = getenvDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Bucket = getenvDefault("STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.LocalDir = getenvDefault("LOCAL_DIR", c.Storage.LocalDir)

	if v := os.Getenv(EnvPrefix + "RPC_URLS"); v != "" {
		c.Chain.RPCURLs = splitList(v)
	}
	c.Chain.HeadRPCURL = getenvDefault("HEAD_RPC_URL", c.Chain.HeadRPCURL)
	c.Chain.Timeout = getenvDuration("EXTRACT_TIMEOUT", c.Chain.Timeout)

	c.RunState.Backend = getenvDefault("RUN_STATE_BACKEND", c.RunState.Backend)
	c.RunState.Path = getenvDefault("RUN_STATE_PATH", c.RunState.Path)
	c.RunState.PostgresDSN = getenvDefault("RUN_STATE_DSN", c.RunState.PostgresDSN)

	c.TokenMeta.Endpoint = getenvDefault("TOKEN_METADATA_ENDPOINT", c.TokenMeta.Endpoint)
	c.TokenMeta.APIKey = getenvDefault("TOKEN_METADATA_API_KEY", c.TokenMeta.APIKey)

	c.DocStore.URI = getenvDefault("MONGO_URI", c.DocStore.URI)

	c.Notify.WebhookURL = getenvDefault("SLACK_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.DataQualityWebhookURL = getenvDefault("SLACK_DQ_WEBHOOK_URL", c.Notify.DataQualityWebhookURL)
	c.Notify.BaseURL = getenvDefault("ALERT_BASE_URL", c.Notify.BaseURL)

	c.Perf.ChunkWorkers = getenvInt("CHUNK_WORKERS", c.Perf.ChunkWorkers)

	c.Maintenance.FailOnError = getenvBool("MAINTENANCE_FAIL_ON_ERROR", c.Maintenance.FailOnError)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
