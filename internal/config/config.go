package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"chaincore/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Health     HealthConfig     `yaml:"health"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Agent      AgentConfig      `yaml:"agent"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

// APIClientKey is one caller of the center API. Branch nodes carry their BranchID
// so protocol calls are attributed to the authenticated branch.
type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	BranchID    int64    `yaml:"branch_id"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig drives periodic VACUUM INTO snapshots of the SQLite store.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type SchedulerConfig struct {
	Enabled                   bool `yaml:"enabled"`
	StartupJitterMs           int  `yaml:"startup_jitter_ms"`
	ResultCacheTTLSeconds     int  `yaml:"result_cache_ttl_seconds"`
	InventoryFreshnessMinutes int  `yaml:"inventory_freshness_minutes"`
	HistoryLimit              int  `yaml:"history_limit"`
}

type DispatcherConfig struct {
	Scheme             string  `yaml:"scheme"`
	SourceName         string  `yaml:"source_name"`
	DefaultTimeoutMs   int     `yaml:"default_timeout_ms"`
	SyncTimeoutMs      int     `yaml:"sync_timeout_ms"`
	HealthTimeoutMs    int     `yaml:"health_timeout_ms"`
	SyncMaxAttempts    int     `yaml:"sync_max_attempts"`
	RetryInitialMs     int     `yaml:"retry_initial_ms"`
	RetryMaxDelayMs    int     `yaml:"retry_max_delay_ms"`
	RetryBackoffFactor float64 `yaml:"retry_backoff_factor"`
}

type HealthConfig struct {
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	// Commands lets the alert chats query and run sync tasks through the bot.
	Commands bool `yaml:"commands"`
}

// AgentConfig is read by the branch-side health agent.
type AgentConfig struct {
	CenterURL       string `yaml:"center_url"`
	BranchID        int64  `yaml:"branch_id"`
	APIKey          string `yaml:"api_key"`
	APIExtra        string `yaml:"api_extra"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

func Load(configPath string) (*Config, error) {
	config, err := read(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// LoadAgent reads the config of a branch agent, which needs only the app,
// logging and agent sections.
func LoadAgent(configPath string) (*Config, error) {
	config, err := read(configPath)
	if err != nil {
		return nil, err
	}
	if config.Agent.CenterURL == "" {
		return nil, errors.New("config validation failed: agent.center_url is required")
	}
	if config.Agent.BranchID <= 0 {
		return nil, errors.New("config validation failed: agent.branch_id must be positive")
	}
	return config, nil
}

func read(configPath string) (*Config, error) {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch strings.ToLower(c.Dispatcher.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("dispatcher scheme must be http or https, got %q", c.Dispatcher.Scheme)
	}

	if c.Alerts.Telegram.Enabled {
		if c.Alerts.Telegram.BotToken == "" {
			return errors.New("alerts.telegram.bot_token is required when telegram alerts are enabled")
		}
		if len(c.Alerts.Telegram.ChatIDs) == 0 {
			return errors.New("alerts.telegram.chat_ids must not be empty")
		}
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Scheduler.StartupJitterMs == 0 {
		c.Scheduler.StartupJitterMs = models.DefaultStartupJitterMs
	}
	if c.Scheduler.ResultCacheTTLSeconds == 0 {
		c.Scheduler.ResultCacheTTLSeconds = models.DefaultResultCacheTTL
	}
	if c.Scheduler.InventoryFreshnessMinutes == 0 {
		c.Scheduler.InventoryFreshnessMinutes = models.DefaultInventoryFreshnessMinutes
	}
	if c.Scheduler.HistoryLimit == 0 {
		c.Scheduler.HistoryLimit = models.DefaultHistoryLimit
	}

	if c.Dispatcher.Scheme == "" {
		c.Dispatcher.Scheme = "http"
	}
	if c.Dispatcher.SourceName == "" {
		c.Dispatcher.SourceName = "chain-core"
	}
	if c.Dispatcher.DefaultTimeoutMs == 0 {
		c.Dispatcher.DefaultTimeoutMs = 10000
	}
	if c.Dispatcher.SyncTimeoutMs == 0 {
		c.Dispatcher.SyncTimeoutMs = 30000
	}
	if c.Dispatcher.HealthTimeoutMs == 0 {
		c.Dispatcher.HealthTimeoutMs = 5000
	}
	if c.Dispatcher.SyncMaxAttempts == 0 {
		c.Dispatcher.SyncMaxAttempts = 2
	}
	if c.Dispatcher.RetryInitialMs == 0 {
		c.Dispatcher.RetryInitialMs = 500
	}
	if c.Dispatcher.RetryMaxDelayMs == 0 {
		c.Dispatcher.RetryMaxDelayMs = 5000
	}
	if c.Dispatcher.RetryBackoffFactor == 0 {
		c.Dispatcher.RetryBackoffFactor = 2
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "0 3 * * *"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	if c.Health.StaleAfterSeconds == 0 {
		c.Health.StaleAfterSeconds = models.DefaultHealthStaleSeconds
	}

	if c.Agent.IntervalSeconds == 0 {
		c.Agent.IntervalSeconds = 30
	}
}
