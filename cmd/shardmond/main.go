// Command shardmond drives a single shard migration: it connects to the
// controller, starts the migration and blocks until it completes, exposing
// progress over the admin endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/internal/server"
	"github.com/conversocial/shardmonster/pkg/api"
	"github.com/conversocial/shardmonster/pkg/config"
	"github.com/conversocial/shardmonster/pkg/logging"
	"github.com/conversocial/shardmonster/pkg/migration"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to the JSON config file")
		collectionName = flag.String("collection", "", "collection whose shard is being moved")
		keyValue       = flag.String("key", "", "shard key value")
		keyType        = flag.String("key-type", "auto", "shard key type: int, string, oid or auto")
		newLocation    = flag.String("to", "", "target location as cluster/database")
		insertThrottle = flag.Duration("insert-throttle", 0, "pause after each copy batch")
		deleteThrottle = flag.Duration("delete-throttle", 0, "pause after each delete batch")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, logging.LogFormatJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *collectionName == "" || *keyValue == "" || *newLocation == "" {
		logger.Fatal("collection, key and to are all required")
	}
	key, err := parseKey(*keyValue, *keyType)
	if err != nil {
		logger.Fatal("invalid shard key", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller, err := api.Dial(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to controller", zap.Error(err))
	}
	defer controller.Close(context.Background())

	var adminServer *server.AdminServer
	if cfg.Admin.Enabled {
		adminServer = server.NewAdminServer(
			cfg.Admin.ListenAddr,
			controller.Metrics().Handler(),
			controller.ActiveMigrationStatus,
			logger)
		adminServer.StartAsync()
	}

	opts := migration.Options{
		InsertThrottle:  throttleOrDefault(*insertThrottle, cfg.Migration.InsertThrottle),
		DeleteThrottle:  throttleOrDefault(*deleteThrottle, cfg.Migration.DeleteThrottle),
		InsertBatchSize: cfg.Migration.InsertBatchSize,
		DeleteBatchSize: cfg.Migration.DeleteBatchSize,
	}

	logger.Info("starting migration",
		zap.String("collection", *collectionName),
		zap.String("key", *keyValue),
		zap.String("to", *newLocation))

	manager, err := controller.DoMigration(ctx, *collectionName, key, *newLocation, opts)
	if err != nil {
		logger.Fatal("failed to start migration", zap.Error(err))
	}

	err = manager.BlockUntilFinished(ctx, cfg.Migration.StatusInterval)

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := adminServer.Shutdown(shutdownCtx); serr != nil {
			logger.Error("admin server shutdown error", zap.Error(serr))
		}
	}

	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	manager.PrintStatus()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("SHARDMONSTER_CONFIG")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// parseKey turns the command-line key value into the typed value the shard
// metadata stores
func parseKey(value, keyType string) (interface{}, error) {
	switch keyType {
	case "int":
		return strconv.ParseInt(value, 10, 64)
	case "string":
		return value, nil
	case "oid":
		return primitive.ObjectIDFromHex(value)
	case "auto":
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i, nil
		}
		if oid, err := primitive.ObjectIDFromHex(value); err == nil {
			return oid, nil
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown key type %q", keyType)
	}
}

func throttleOrDefault(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}
