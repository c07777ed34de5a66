// Package config loads the collector's task document (exchanges, pairs and polling
// settings) from YAML and its runtime environment (labels, storage, logging, metrics)
// from environment variables, optionally seeded from a .env file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/johnayoung/tda-collector/internal/resilience"
)

// Defaults for the settings block and the environment.
const (
	DefaultConfigPath            = "./config.yaml"
	DefaultUpdateIntervalSeconds = 60
	DefaultBackoffBase           = 1.0
	DefaultBackoffFactor         = 2.0
	DefaultBackoffMax            = 32.0
	DefaultBackoffAttempts       = 5
	DefaultHistoryPageLimit      = 200
	DefaultHistoryWindowMs       = 60_000
	DefaultHistoryWorkers        = 1

	DefaultServiceName    = "tda-collector"
	DefaultEnvironment    = "dev"
	DefaultDataset        = "crypto"
	DefaultTable          = "market_data_ohlcv"
	DefaultStorageBackend = StorageBigQuery
	DefaultDuckDBPath     = "./data/ohlcv.duckdb"
)

// Storage backends selectable through STORAGE_BACKEND or --storage.
const (
	StorageBigQuery   = "bigquery"
	StorageDuckDB     = "duckdb"
	StorageClickHouse = "clickhouse"
	StorageMemory     = "memory"
)

// Config is the task document.
type Config struct {
	Settings  Settings                `mapstructure:"settings" json:"settings"`
	Exchanges map[string][]PairConfig `mapstructure:"exchanges" json:"exchanges"`
}

// Settings controls polling cadence, retry backoff and history paging.
type Settings struct {
	UpdateIntervalSeconds int     `mapstructure:"update_interval_seconds" json:"update_interval_seconds"`
	BackoffBase           float64 `mapstructure:"backoff_base" json:"backoff_base"`
	BackoffFactor         float64 `mapstructure:"backoff_factor" json:"backoff_factor"`
	BackoffMax            float64 `mapstructure:"backoff_max" json:"backoff_max"`
	BackoffAttempts       int     `mapstructure:"backoff_attempts" json:"backoff_attempts"`
	HistoryPageLimit      int     `mapstructure:"history_page_limit" json:"history_page_limit"`
	HistoryWindowMs       int64   `mapstructure:"history_window_ms" json:"history_window_ms"`
	HistoryWorkers        int     `mapstructure:"history_workers" json:"history_workers"`
}

// PairConfig is one symbol and the timeframes collected for it.
type PairConfig struct {
	Symbol     string   `mapstructure:"symbol" json:"symbol"`
	Timeframes []string `mapstructure:"timeframes" json:"timeframes"`
}

// UpdateInterval returns the live polling interval.
func (s Settings) UpdateInterval() time.Duration {
	return time.Duration(s.UpdateIntervalSeconds) * time.Second
}

// BackoffPolicy converts the second-based backoff settings into a retry policy.
func (s Settings) BackoffPolicy() resilience.Policy {
	return resilience.Policy{
		BaseDelay:   secondsToDuration(s.BackoffBase),
		Factor:      s.BackoffFactor,
		MaxDelay:    secondsToDuration(s.BackoffMax),
		MaxAttempts: s.BackoffAttempts,
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// ExchangeIDs returns the configured exchanges that have at least one pair, sorted.
func (c *Config) ExchangeIDs() []string {
	ids := make([]string, 0, len(c.Exchanges))
	for id, pairs := range c.Exchanges {
		if len(pairs) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load reads the YAML task document at path. Unset settings take their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setSettingsDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Exchanges == nil {
		cfg.Exchanges = make(map[string][]PairConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setSettingsDefaults(v *viper.Viper) {
	v.SetDefault("settings.update_interval_seconds", DefaultUpdateIntervalSeconds)
	v.SetDefault("settings.backoff_base", DefaultBackoffBase)
	v.SetDefault("settings.backoff_factor", DefaultBackoffFactor)
	v.SetDefault("settings.backoff_max", DefaultBackoffMax)
	v.SetDefault("settings.backoff_attempts", DefaultBackoffAttempts)
	v.SetDefault("settings.history_page_limit", DefaultHistoryPageLimit)
	v.SetDefault("settings.history_window_ms", DefaultHistoryWindowMs)
	v.SetDefault("settings.history_workers", DefaultHistoryWorkers)
}

// Validate reports every problem in the document at once.
func (c *Config) Validate() error {
	var problems []string

	s := c.Settings
	if s.UpdateIntervalSeconds <= 0 {
		problems = append(problems, "settings.update_interval_seconds must be greater than 0")
	}
	if s.BackoffBase <= 0 {
		problems = append(problems, "settings.backoff_base must be greater than 0")
	}
	if s.BackoffFactor < 1 {
		problems = append(problems, "settings.backoff_factor must be at least 1")
	}
	if s.BackoffMax < s.BackoffBase {
		problems = append(problems, "settings.backoff_max must not be lower than settings.backoff_base")
	}
	if s.BackoffAttempts <= 0 {
		problems = append(problems, "settings.backoff_attempts must be greater than 0")
	}
	if s.HistoryPageLimit <= 0 {
		problems = append(problems, "settings.history_page_limit must be greater than 0")
	}
	if s.HistoryWindowMs <= 0 {
		problems = append(problems, "settings.history_window_ms must be greater than 0")
	}
	if s.HistoryWorkers <= 0 {
		problems = append(problems, "settings.history_workers must be greater than 0")
	}

	for _, id := range c.ExchangeIDs() {
		for i, pair := range c.Exchanges[id] {
			if strings.TrimSpace(pair.Symbol) == "" {
				problems = append(problems, fmt.Sprintf("exchanges.%s[%d].symbol is required", id, i))
			}
			if len(pair.Timeframes) == 0 {
				problems = append(problems, fmt.Sprintf("exchanges.%s[%d].timeframes must not be empty", id, i))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// Env holds the process environment consumed at startup.
type Env struct {
	ConfigPath     string
	ServiceName    string
	Environment    string
	Dataset        string
	Table          string
	StorageBackend string
	GCPProject     string
	DuckDBPath     string
	ClickHouseDSN  string
	MetricsAddr    string
	Logging        LoggingConfig
}

// LoggingConfig configures structured logging and the optional Loki shipper.
type LoggingConfig struct {
	Level      string     `json:"level"`  // debug, info, warn, error
	Format     string     `json:"format"` // json, text
	Output     string     `json:"output"` // stdout, stderr, file
	FilePath   string     `json:"file_path"`
	MaxSize    int        `json:"max_size"` // megabytes
	MaxBackups int        `json:"max_backups"`
	MaxAge     int        `json:"max_age"` // days
	Compress   bool       `json:"compress"`
	Loki       LokiConfig `json:"loki"`
}

// LokiConfig configures pushing log records to a Loki endpoint.
type LokiConfig struct {
	URL           string        `json:"url"`
	Username      string        `json:"username"`
	Password      string        `json:"password"`
	Insecure      bool          `json:"insecure"`
	Debug         bool          `json:"debug"`
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// Enabled reports whether a push URL was configured.
func (l LokiConfig) Enabled() bool {
	return l.URL != ""
}

// DefaultLoggingConfig returns JSON logging to stdout at info level.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
		Loki: LokiConfig{
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
		},
	}
}

// LoadDotEnv loads a .env file into the process environment, overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// envBindings maps Env keys to the variables they are read from, in priority order.
var envBindings = map[string][]string{
	"config_path":         {"CONFIG_PATH"},
	"service_name":        {"SERVICE_NAME"},
	"environment":         {"ENVIRONMENT"},
	"dataset":             {"BQ_DATASET"},
	"table":               {"BQ_TABLE"},
	"storage_backend":     {"STORAGE_BACKEND"},
	"gcp_project":         {"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"},
	"duckdb_path":         {"DUCKDB_PATH"},
	"clickhouse_dsn":      {"CLICKHOUSE_DSN"},
	"metrics_addr":        {"METRICS_ADDR"},
	"log.level":           {"LOG_LEVEL"},
	"log.format":          {"LOG_FORMAT"},
	"log.file":            {"LOG_FILE"},
	"loki.url":            {"LOKI_URL", "LOKI_ENDPOINT"},
	"loki.username":       {"LOKI_USERNAME", "LOKI_USER"},
	"loki.password":       {"LOKI_PASSWORD"},
	"loki.insecure":       {"LOKI_INSECURE"},
	"loki.debug":          {"LOKI_DEBUG"},
	"loki.batch_size":     {"LOKI_BATCH_SIZE"},
	"loki.flush_interval": {"LOKI_FLUSH_INTERVAL"},
}

// LoadEnv reads the runtime environment with defaults applied.
func LoadEnv() (*Env, error) {
	v := viper.New()
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	logging := DefaultLoggingConfig()
	v.SetDefault("config_path", DefaultConfigPath)
	v.SetDefault("service_name", DefaultServiceName)
	v.SetDefault("environment", DefaultEnvironment)
	v.SetDefault("dataset", DefaultDataset)
	v.SetDefault("table", DefaultTable)
	v.SetDefault("storage_backend", DefaultStorageBackend)
	v.SetDefault("duckdb_path", DefaultDuckDBPath)
	v.SetDefault("log.level", logging.Level)
	v.SetDefault("log.format", logging.Format)
	v.SetDefault("loki.batch_size", logging.Loki.BatchSize)
	v.SetDefault("loki.flush_interval", logging.Loki.FlushInterval)

	logging.Level = strings.ToLower(CleanEnvValue(v.GetString("log.level")))
	logging.Format = strings.ToLower(CleanEnvValue(v.GetString("log.format")))
	if file := CleanEnvValue(v.GetString("log.file")); file != "" {
		logging.Output = "file"
		logging.FilePath = file
	}
	logging.Loki = LokiConfig{
		URL:           CleanEnvValue(v.GetString("loki.url")),
		Username:      CleanEnvValue(v.GetString("loki.username")),
		Password:      CleanEnvValue(v.GetString("loki.password")),
		Insecure:      parseFlag(v.GetString("loki.insecure")),
		Debug:         parseFlag(v.GetString("loki.debug")),
		BatchSize:     v.GetInt("loki.batch_size"),
		FlushInterval: v.GetDuration("loki.flush_interval"),
	}

	env := &Env{
		ConfigPath:     CleanEnvValue(v.GetString("config_path")),
		ServiceName:    CleanEnvValue(v.GetString("service_name")),
		Environment:    CleanEnvValue(v.GetString("environment")),
		Dataset:        CleanEnvValue(v.GetString("dataset")),
		Table:          CleanEnvValue(v.GetString("table")),
		StorageBackend: strings.ToLower(CleanEnvValue(v.GetString("storage_backend"))),
		GCPProject:     CleanEnvValue(v.GetString("gcp_project")),
		DuckDBPath:     CleanEnvValue(v.GetString("duckdb_path")),
		ClickHouseDSN:  CleanEnvValue(v.GetString("clickhouse_dsn")),
		MetricsAddr:    CleanEnvValue(v.GetString("metrics_addr")),
		Logging:        logging,
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks backend selection and logging options.
func (e *Env) Validate() error {
	var problems []string

	switch e.StorageBackend {
	case StorageBigQuery, StorageDuckDB, StorageMemory:
	case StorageClickHouse:
		if e.ClickHouseDSN == "" {
			problems = append(problems, "CLICKHOUSE_DSN is required for the clickhouse storage backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage backend must be one of: %s, %s, %s, %s (got %q)",
			StorageBigQuery, StorageDuckDB, StorageClickHouse, StorageMemory, e.StorageBackend))
	}
	if e.Dataset == "" {
		problems = append(problems, "dataset must not be empty")
	}
	if e.Table == "" {
		problems = append(problems, "table must not be empty")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[e.Logging.Level] {
		problems = append(problems, "log level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[e.Logging.Format] {
		problems = append(problems, "log format must be one of: json, text")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// String returns the environment as JSON with secrets redacted.
func (e *Env) String() string {
	sanitized := *e
	if sanitized.Logging.Loki.Password != "" {
		sanitized.Logging.Loki.Password = "[REDACTED]"
	}
	if sanitized.ClickHouseDSN != "" {
		sanitized.ClickHouseDSN = redactDSN(sanitized.ClickHouseDSN)
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

// redactDSN hides the password part of a user:password@host DSN.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	userinfo := dsn[:at]
	scheme := ""
	if i := strings.Index(userinfo, "://"); i >= 0 {
		scheme, userinfo = userinfo[:i+3], userinfo[i+3:]
	}
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		userinfo = userinfo[:colon] + ":[REDACTED]"
	}
	return scheme + userinfo + dsn[at:]
}

// CleanEnvValue strips an "export " prefix, surrounding whitespace and matching quotes
// that leak in from shell-style .env files.
func CleanEnvValue(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(strings.ToLower(value), "export ") {
		value = strings.TrimSpace(value[len("export "):])
	}
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' || first == '\'') && first == last {
			value = value[1 : len(value)-1]
		}
	}
	return strings.TrimSpace(value)
}

func parseFlag(value string) bool {
	switch strings.ToLower(CleanEnvValue(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
