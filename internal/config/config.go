// Package config provides centralized configuration management for the cryptoscope pipeline.
// Configuration is assembled from defaults, an optional JSON or YAML file, an optional
// dotenv file and CRYPTOSCOPE_* environment variables, then validated and handed to each
// component explicitly.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "CRYPTOSCOPE_"

// Upper bounds imposed by the CoinGecko public API.
const (
	MaxPageSize    = 250
	MaxSpanDaysCap = 365
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName string `json:"app_name" yaml:"app_name"`
	Version string `json:"version" yaml:"version"`

	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Source   SourceConfig   `json:"source" yaml:"source"`
	Acquirer AcquirerConfig `json:"acquirer" yaml:"acquirer"`
	Backfill BackfillConfig `json:"backfill" yaml:"backfill"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type string `json:"type" yaml:"type"` // "sqlite", "duckdb", "memory"
	Path string `json:"path" yaml:"path"` // Database file location
}

// SourceConfig configures the market-data API client
type SourceConfig struct {
	BaseURL      string `json:"base_url" yaml:"base_url"`
	UserAgent    string `json:"user_agent" yaml:"user_agent"`
	APIKey       string `json:"api_key" yaml:"api_key"`             // Optional demo key
	Timeout      string `json:"timeout" yaml:"timeout"`             // Per-request timeout
	RequestDelay string `json:"request_delay" yaml:"request_delay"` // Minimum spacing between requests
}

// AcquirerConfig configures the symbol acquisition stage
type AcquirerConfig struct {
	TargetCount int     `json:"target_count" yaml:"target_count"`
	PageSize    int     `json:"page_size" yaml:"page_size"`
	MinVolume   float64 `json:"min_volume" yaml:"min_volume"` // Liquidity filter on 24h volume
	VsCurrency  string  `json:"vs_currency" yaml:"vs_currency"`
}

// BackfillConfig configures the historical backfill stage
type BackfillConfig struct {
	LookbackYears int    `json:"lookback_years" yaml:"lookback_years"`
	MaxSpanDays   int    `json:"max_span_days" yaml:"max_span_days"`
	SourceLabel   string `json:"source_label" yaml:"source_label"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // json, text
	Output     string `json:"output" yaml:"output"`           // stdout, stderr, file
	FilePath   string `json:"file_path" yaml:"file_path"`     // Used when output is file
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // MB before rotation
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // Rotated files kept
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // Days rotated files are kept
	Compress   bool   `json:"compress" yaml:"compress"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. An empty configPath
// skips the file layer.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// SetEnvFile changes the dotenv file consulted before environment overrides.
// An empty path disables dotenv loading.
func (cm *ConfigManager) SetEnvFile(path string) {
	cm.envFile = path
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Dotenv file
// 3. Configuration file
// 4. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load dotenv file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.DebugContext(ctx, "configuration loaded",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"storage_path", config.Storage.Path,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile decodes the config file as YAML or JSON depending on its extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadDotEnv populates the process environment from the dotenv file without
// overriding variables that are already set.
func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(cm.envFile)
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var problems []string

	setString := func(key string, dst *string) {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DB_PATH", &config.Storage.Path)

	setString("BASE_URL", &config.Source.BaseURL)
	setString("USER_AGENT", &config.Source.UserAgent)
	setString("API_KEY", &config.Source.APIKey)
	setString("REQUEST_TIMEOUT", &config.Source.Timeout)
	setString("REQUEST_DELAY", &config.Source.RequestDelay)

	setInt("TARGET_COUNT", &config.Acquirer.TargetCount)
	setInt("PAGE_SIZE", &config.Acquirer.PageSize)
	if val := os.Getenv(EnvPrefix + "MIN_VOLUME"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Acquirer.MinVolume = f
		} else {
			problems = append(problems, fmt.Sprintf("%sMIN_VOLUME: %v", EnvPrefix, err))
		}
	}

	setInt("LOOKBACK_YEARS", &config.Backfill.LookbackYears)
	setInt("MAX_SPAN_DAYS", &config.Backfill.MaxSpanDays)

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	if len(problems) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(problems, "; "))
	}
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	validStorage := map[string]bool{"sqlite": true, "duckdb": true, "memory": true}
	if !validStorage[config.Storage.Type] {
		errors = append(errors, "storage.type must be one of: sqlite, duckdb, memory")
	}
	if config.Storage.Type != "memory" && config.Storage.Path == "" {
		errors = append(errors, "storage.path is required for file-backed storage")
	}

	if config.Source.BaseURL == "" {
		errors = append(errors, "source.base_url is required")
	}
	if config.Source.UserAgent == "" {
		errors = append(errors, "source.user_agent is required")
	}
	if d, err := time.ParseDuration(config.Source.Timeout); err != nil || d <= 0 {
		errors = append(errors, "source.timeout must be a positive duration")
	}
	if d, err := time.ParseDuration(config.Source.RequestDelay); err != nil || d < 0 {
		errors = append(errors, "source.request_delay must be a non-negative duration")
	}

	if config.Acquirer.TargetCount <= 0 {
		errors = append(errors, "acquirer.target_count must be greater than 0")
	}
	if config.Acquirer.PageSize <= 0 || config.Acquirer.PageSize > MaxPageSize {
		errors = append(errors, fmt.Sprintf("acquirer.page_size must be between 1 and %d", MaxPageSize))
	}
	if config.Acquirer.MinVolume < 0 {
		errors = append(errors, "acquirer.min_volume must not be negative")
	}
	if config.Acquirer.VsCurrency == "" {
		errors = append(errors, "acquirer.vs_currency is required")
	}

	if config.Backfill.LookbackYears <= 0 {
		errors = append(errors, "backfill.lookback_years must be greater than 0")
	}
	if config.Backfill.MaxSpanDays <= 0 || config.Backfill.MaxSpanDays > MaxSpanDaysCap {
		errors = append(errors, fmt.Sprintf("backfill.max_span_days must be between 1 and %d", MaxSpanDaysCap))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[config.Logging.Output] {
		errors = append(errors, "logging.output must be one of: stdout, stderr, file")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when logging.output is file")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "cryptoscope",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type: "sqlite",
			Path: "./db/crypto.db",
		},
		Source: SourceConfig{
			BaseURL:      "https://api.coingecko.com/api/v3",
			UserAgent:    "CryptoScope/1.0 (student project)",
			Timeout:      "15s",
			RequestDelay: "10s",
		},
		Acquirer: AcquirerConfig{
			TargetCount: 1000,
			PageSize:    MaxPageSize,
			MinVolume:   1000,
			VsCurrency:  "usd",
		},
		Backfill: BackfillConfig{
			LookbackYears: 10,
			MaxSpanDays:   MaxSpanDaysCap,
			SourceLabel:   "coingecko",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// RequestTimeout returns the parsed per-request timeout. Call after validation.
func (c SourceConfig) RequestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// Delay returns the parsed inter-request delay. Call after validation.
func (c SourceConfig) Delay() time.Duration {
	d, _ := time.ParseDuration(c.RequestDelay)
	return d
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Source.APIKey != "" {
		sanitized.Source.APIKey = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
