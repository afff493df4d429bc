// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the chat service configuration from YAML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// ErrMissingRequiredField is returned when a required configuration field is missing
var ErrMissingRequiredField = errors.New("missing required configuration field")

const envPrefix = "CHAT_ASSISTANT"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Services   ServicesConfig   `mapstructure:"services"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Store      StoreConfig      `mapstructure:"store"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ServicesConfig contains the upstream question-answering endpoints
type ServicesConfig struct {
	OptimizerURL string `mapstructure:"optimizer_url"`
	AnswerURL    string `mapstructure:"answer_url"`
	RelatedURL   string `mapstructure:"related_url"`
	// Timeout of zero leaves the transport default in place.
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig contains settings for the staging and question caches
type CacheConfig struct {
	StorageType string        `mapstructure:"storage_type"`
	RedisURL    string        `mapstructure:"redis_url"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	StagingTTL  time.Duration `mapstructure:"staging_ttl"`
	MaxEntries  int           `mapstructure:"max_entries"`
}

// StoreConfig contains durable conversation store settings
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// SimilarityConfig contains question matching settings
type SimilarityConfig struct {
	Threshold       float64 `mapstructure:"threshold"`
	Embedder        string  `mapstructure:"embedder"`
	Dimensions      int     `mapstructure:"dimensions"`
	CacheEmbeddings bool    `mapstructure:"cache_embeddings"`
}

// OpenAIConfig contains OpenAI API configuration
type OpenAIConfig struct {
	APIKey   string `mapstructure:"apikey"`
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	found, err := setConfigFile(v, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)

	if found {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.request_timeout", "120s")

	v.SetDefault("services.optimizer_url", "http://localhost:5001/optimize")
	v.SetDefault("services.answer_url", "http://localhost:5002/query")
	v.SetDefault("services.related_url", "http://localhost:5003/related")
	v.SetDefault("services.timeout", "0s")

	v.SetDefault("cache.storage_type", "memory")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.key_prefix", "")
	v.SetDefault("cache.staging_ttl", "24h")
	v.SetDefault("cache.max_entries", 10000)

	v.SetDefault("store.db_path", "./chats.db")

	v.SetDefault("similarity.threshold", 0.5)
	v.SetDefault("similarity.embedder", "hashing")
	v.SetDefault("similarity.dimensions", 384)
	v.SetDefault("similarity.cache_embeddings", false)

	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "text-embedding-3-small")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile points viper at the configuration file. It reports whether a
// file was found; running on defaults plus environment is allowed.
func setConfigFile(v *viper.Viper, configPath string) (bool, error) {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return false, fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return true, nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return false, fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return true, nil
	}

	for _, path := range []string{"./configs/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			return true, nil
		}
	}

	return false, nil
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"PORT":           "server.port",
		"OPTIMIZER_URL":  "services.optimizer_url",
		"ANSWER_URL":     "services.answer_url",
		"RELATED_URL":    "services.related_url",
		"CACHE_STORAGE":  "cache.storage_type",
		"REDIS_URL":      "cache.redis_url",
		"DB_PATH":        "store.db_path",
		"EMBEDDER":       "similarity.embedder",
		"OPENAI_API_KEY": "openai.apikey",
		"LOG_LEVEL":      "logging.level",
		"LOG_FORMAT":     "logging.format",
		"LOG_OUTPUT":     "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var result *multierror.Error

	for field, value := range map[string]string{
		"services.optimizer_url": config.Services.OptimizerURL,
		"services.answer_url":    config.Services.AnswerURL,
		"services.related_url":   config.Services.RelatedURL,
	} {
		if value == "" {
			result = multierror.Append(result, ValidationError{
				Field:   field,
				Message: "upstream endpoint URL is required",
			})
		}
	}

	if config.Services.Timeout < 0 {
		result = multierror.Append(result, ValidationError{
			Field:   "services.timeout",
			Message: "timeout must not be negative",
		})
	}

	validStorageTypes := []string{"memory", "redis"}
	if !contains(validStorageTypes, config.Cache.StorageType) {
		result = multierror.Append(result, ValidationError{
			Field:   "cache.storage_type",
			Message: fmt.Sprintf("storage type must be one of: %s", strings.Join(validStorageTypes, ", ")),
		})
	}

	if config.Cache.StorageType == "redis" && config.Cache.RedisURL == "" {
		result = multierror.Append(result, ValidationError{
			Field:   "cache.redis_url",
			Message: "redis URL is required when cache.storage_type is redis. Set via config file or REDIS_URL environment variable",
		})
	}

	if config.Cache.MaxEntries <= 0 {
		result = multierror.Append(result, ValidationError{
			Field:   "cache.max_entries",
			Message: "max_entries must be greater than 0",
		})
	}

	if config.Store.DBPath == "" {
		result = multierror.Append(result, ValidationError{
			Field:   "store.db_path",
			Message: "database path is required",
		})
	} else if err := validateDirectoryExists(filepath.Dir(config.Store.DBPath)); err != nil {
		result = multierror.Append(result, ValidationError{
			Field:   "store.db_path",
			Message: fmt.Sprintf("database directory does not exist: %s", filepath.Dir(config.Store.DBPath)),
		})
	}

	if config.Similarity.Threshold < 0 || config.Similarity.Threshold > 1 {
		result = multierror.Append(result, ValidationError{
			Field:   "similarity.threshold",
			Message: "threshold must be between 0 and 1",
		})
	}

	validEmbedders := []string{"hashing", "openai"}
	if !contains(validEmbedders, config.Similarity.Embedder) {
		result = multierror.Append(result, ValidationError{
			Field:   "similarity.embedder",
			Message: fmt.Sprintf("embedder must be one of: %s", strings.Join(validEmbedders, ", ")),
		})
	}

	if config.Similarity.Embedder == "hashing" && config.Similarity.Dimensions <= 0 {
		result = multierror.Append(result, ValidationError{
			Field:   "similarity.dimensions",
			Message: "dimensions must be greater than 0",
		})
	}

	if config.Similarity.Embedder == "openai" && config.OpenAI.APIKey == "" {
		result = multierror.Append(result, ValidationError{
			Field:   "openai.apikey",
			Message: "OpenAI API key is required for the openai embedder. Set via config file or OPENAI_API_KEY environment variable",
		})
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		result = multierror.Append(result, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		result = multierror.Append(result, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}
	if masked.Cache.RedisURL != "" && strings.Contains(masked.Cache.RedisURL, "@") {
		masked.Cache.RedisURL = maskValue(masked.Cache.RedisURL)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// validateDirectoryExists checks if a directory exists
func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

// WatchConfig reloads the configuration whenever the file changes and hands
// the validated result to callback. Invalid reloads are reported through
// onError and otherwise ignored.
func WatchConfig(configPath string, callback func(*Config), onError func(error)) error {
	v := viper.New()

	found, err := setConfigFile(v, configPath)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no config file to watch", ErrMissingRequiredField)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		config, err := Load(v.ConfigFileUsed())
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		callback(config)
	})
	v.WatchConfig()

	return nil
}
