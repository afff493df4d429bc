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

// Package main provides the chat cache service. It answers chat turns from
// the question cache or the upstream services, stages the reply and commits
// conversations to SQLite.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/your-org/chat-assistant/internal/cache"
	"github.com/your-org/chat-assistant/internal/chat"
	"github.com/your-org/chat-assistant/internal/config"
	"github.com/your-org/chat-assistant/internal/conversation"
	"github.com/your-org/chat-assistant/internal/gateway"
	"github.com/your-org/chat-assistant/internal/health"
	"github.com/your-org/chat-assistant/internal/similarity"
	"github.com/your-org/chat-assistant/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	serviceName    = "chatapi"
	serviceVersion = "1.0.0"

	// HealthCheckTimeout defines the timeout for health checks
	HealthCheckTimeout = 5 * time.Second
	// ShutdownTimeout bounds the drain of in-flight requests
	ShutdownTimeout = 15 * time.Second
)

// ServiceDependencies holds initialized service dependencies
type ServiceDependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Store        *store.Store
	Storage      cache.Storage
	Gateway      *gateway.Client
	Orchestrator *chat.Orchestrator
}

// Close releases the store and the cache storage
func (d *ServiceDependencies) Close() error {
	var result *multierror.Error
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	if d.Storage != nil {
		if err := d.Storage.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close cache storage: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the chatapi command tree. Running it without a
// subcommand starts the HTTP service.
func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Chat cache service",
		Long:          "Answers chat turns from a similarity-matched question cache or the upstream services and stores conversations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the conversation schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print stored conversations as JSON, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, configPath)
		},
	})

	var seedReplace bool
	seedCmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Load answered questions into the shared question cache",
		Long:  "Reads a JSON array of {\"question\", \"data\"} objects and adds them to the question cache. Requires a redis cache.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, configPath, args[0], seedReplace)
		},
	}
	seedCmd.Flags().BoolVar(&seedReplace, "replace", false, "replace the cached questions instead of appending")
	rootCmd.AddCommand(seedCmd)

	return rootCmd
}

// runServe starts the HTTP service and blocks until a shutdown signal
func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, level, err := initializeLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	maskedConfig := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("service", serviceName),
		zap.String("environment", os.Getenv("ENVIRONMENT")),
		zap.String("optimizer_url", maskedConfig.Services.OptimizerURL),
		zap.String("answer_url", maskedConfig.Services.AnswerURL),
		zap.String("related_url", maskedConfig.Services.RelatedURL),
		zap.String("cache_storage", maskedConfig.Cache.StorageType),
		zap.String("redis_url", maskedConfig.Cache.RedisURL),
		zap.String("db_path", maskedConfig.Store.DBPath),
		zap.String("embedder", maskedConfig.Similarity.Embedder),
		zap.Float64("similarity_threshold", maskedConfig.Similarity.Threshold),
		zap.String("openai_api_key", maskedConfig.OpenAI.APIKey),
	)

	deps, err := initializeDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("Failed to release dependencies", zap.Error(err))
		}
	}()

	watchLogLevel(configPath, level, logger)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting chat service",
			zap.String("port", cfg.Server.Port),
			zap.Duration("request_timeout", cfg.Server.RequestTimeout))
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("Chat service stopped")
	return nil
}

// runMigrate opens the store, which creates the schema, and exits
func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, _, err := initializeLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	records, err := store.NewStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := records.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Schema ready at %s\n", cfg.Store.DBPath)
	return err
}

// runList prints every stored conversation
func runList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	records, err := store.NewStore(cfg.Store.DBPath, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() { _ = records.Close() }()

	chats, err := records.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list chats: %w", err)
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(chats)
}

// runSeed adds the questions in path to the question cache
func runSeed(cmd *cobra.Command, configPath, path string, replace bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Cache.StorageType != cache.StorageTypeRedis {
		return fmt.Errorf("seeding needs a shared cache, cache.storage_type is %q", cfg.Cache.StorageType)
	}

	entries, err := loadSeedFile(path)
	if err != nil {
		return err
	}

	storage, err := cache.NewStorage(cfg.Cache, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize cache storage: %w", err)
	}
	defer func() { _ = storage.Close() }()

	questions := cache.NewQuestionCache(storage, nil)
	if replace {
		err = questions.ReplaceAll(cmd.Context(), entries)
	} else {
		err = questions.Merge(cmd.Context(), entries)
	}
	if err != nil {
		return fmt.Errorf("failed to seed question cache: %w", err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d questions\n", len(entries))
	return err
}

// loadSeedFile reads and validates a seed file. Every invalid entry is
// reported, not just the first.
func loadSeedFile(path string) ([]cache.CachedQuestion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var entries []cache.CachedQuestion
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	var result *multierror.Error
	for i, entry := range entries {
		if strings.TrimSpace(entry.Question) == "" {
			result = multierror.Append(result, fmt.Errorf("entry %d: question is empty", i))
		}
		if len(entry.Data) == 0 || string(entry.Data) == "null" {
			result = multierror.Append(result, fmt.Errorf("entry %d: data is missing", i))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	return entries, nil
}

// initializeLogger creates a logger based on configuration settings. The
// returned level can be changed while the service runs.
func initializeLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))

	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{serviceName + ".log"}
		zapConfig.ErrorOutputPaths = []string{serviceName + ".log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, zapConfig.Level, err
	}
	return logger.With(zap.String("service", serviceName)), zapConfig.Level, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// watchLogLevel applies log level changes from the config file while the
// service runs
func watchLogLevel(configPath string, level zap.AtomicLevel, logger *zap.Logger) {
	err := config.WatchConfig(configPath, func(cfg *config.Config) {
		newLevel := parseLevel(cfg.Logging.Level)
		if newLevel != level.Level() {
			level.SetLevel(newLevel)
			logger.Info("Log level updated from configuration", zap.String("level", newLevel.String()))
		}
	}, func(err error) {
		logger.Warn("Ignoring invalid configuration reload", zap.Error(err))
	})
	if err != nil {
		logger.Debug("Configuration hot reload disabled", zap.Error(err))
	}
}

// initializeDependencies initializes all service dependencies
func initializeDependencies(cfg *config.Config, logger *zap.Logger) (*ServiceDependencies, error) {
	logger.Info("Initializing service dependencies")

	deps := &ServiceDependencies{Config: cfg, Logger: logger}

	records, err := store.NewStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	deps.Store = records

	storage, err := cache.NewStorage(cfg.Cache, logger)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("failed to initialize cache storage: %w", err)
	}
	deps.Storage = storage

	embedder, err := similarity.NewEmbedder(cfg.Similarity, cfg.OpenAI, logger)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	deps.Gateway = gateway.NewClient(cfg.Services, logger)
	deps.Orchestrator = chat.NewOrchestrator(
		deps.Gateway,
		similarity.NewMatcher(embedder, cfg.Similarity.Threshold, logger),
		cache.NewQuestionCache(storage, logger),
		cache.NewStagingCache(storage, cfg.Cache.StagingTTL),
		records,
		logger,
	)

	logger.Info("Service dependencies initialized successfully")
	return deps, nil
}

// setupHealthChecks configures health checks for the chat service
func setupHealthChecks(manager *health.Manager, deps *ServiceDependencies) {
	manager.AddChecker("store", health.PingChecker("sqlite", deps.Store.Ping))
	manager.AddChecker("cache", health.PingChecker(deps.Config.Cache.StorageType, deps.Storage.Ping))

	client := &http.Client{Timeout: HealthCheckTimeout}
	manager.AddChecker(string(gateway.EndpointOptimizer), health.UpstreamChecker(deps.Config.Services.OptimizerURL, client))
	manager.AddChecker(string(gateway.EndpointAnswer), health.UpstreamChecker(deps.Config.Services.AnswerURL, client))
	manager.AddChecker(string(gateway.EndpointRelated), health.UpstreamChecker(deps.Config.Services.RelatedURL, client))

	manager.SetTimeout(HealthCheckTimeout)
}

// newRouter wires middleware, the health endpoint and the chat routes
func newRouter(deps *ServiceDependencies) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		conversation.RequestIDMiddleware(),
		conversation.RequestLoggingMiddleware(deps.Logger),
		conversation.CORSMiddleware(),
	)

	healthManager := health.NewManager(serviceName, serviceVersion, deps.Logger)
	setupHealthChecks(healthManager, deps)
	router.GET("/health", gin.WrapF(healthManager.HTTPHandler()))

	conversation.NewAPIHandler(deps.Orchestrator, deps.Config.Server.RequestTimeout, deps.Logger).RegisterRoutes(router)

	return router
}
