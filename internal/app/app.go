// Package app wires configuration, storage backends and the IP block service.
package app

import (
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	filestorage "github.com/JeanGrijp/ipblock/internal/adapters/storage/file"
	"github.com/JeanGrijp/ipblock/internal/adapters/storage/memory"
	redisstorage "github.com/JeanGrijp/ipblock/internal/adapters/storage/redis"
	"github.com/JeanGrijp/ipblock/internal/config"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
	"github.com/JeanGrijp/ipblock/internal/core/services"
	"github.com/JeanGrijp/ipblock/internal/logging"
)

// ServiceConfig converts the loaded engine configuration.
func ServiceConfig(cfg config.IPBlockConfig) services.Config {
	return services.Config{
		Enabled:        cfg.Enabled,
		BlockTTL:       cfg.BlockTTL(),
		ResponseStatus: cfg.ResponseStatus,
		ReadTimeout:    cfg.ReadTimeout(),
		EvictInterval:  cfg.EvictInterval(),
		ManualAllow:    append([]string(nil), cfg.ManualAllow...),
		ManualDeny:     append([]string(nil), cfg.ManualDeny...),
		Ignore:         append([]string(nil), cfg.Ignore...),
		TrustedProxies: append([]string(nil), cfg.TrustedProxies...),
		Rules:          cfg.DomainRules(),
	}
}

func LoggingConfig(cfg config.LoggingConfig) logging.Config {
	return logging.Config{
		Level: cfg.Level,
		JSON:  cfg.Format == "json",
		File:  cfg.File,
	}
}

// backends holds the storage ports plus what must be closed after the service.
type backends struct {
	storage  ports.BlockStorage
	counters ports.CounterStore
	client   *redis.Client
}

func (b *backends) redisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if b.client != nil {
		return b.client, nil
	}
	client, err := redisstorage.Dial(redisstorage.Config{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	b.client = client
	return client, nil
}

func (b *backends) close(logger *slog.Logger) {
	if b.client == nil {
		return
	}
	if err := b.client.Close(); err != nil {
		logger.Error("redis_close_failed", "error", err)
	}
}

func initStorage(cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Storage.Type {
	case "file", "":
		storage, err := filestorage.New(cfg.IPBlock.StorageFile, logger.With("component", "blocklist"))
		if err != nil {
			return nil, err
		}
		logger.Info("blocklist_opened", "path", storage.Path())
		b.storage = storage
	case "redis":
		client, err := b.redisClient(cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		b.storage = redisstorage.NewWithClient(client)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Storage.CounterStore {
	case "memory", "":
		b.counters = memory.NewCounterStore()
	case "redis":
		client, err := b.redisClient(cfg.Storage.Redis)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.counters = redisstorage.NewCounterStore(client)
	default:
		b.close(logger)
		return nil, fmt.Errorf("unsupported counter store: %s", cfg.Storage.CounterStore)
	}

	return b, nil
}

// BuildService creates the service and returns a cleanup that stops it and
// releases its backends.
func BuildService(cfg config.Config, logger *slog.Logger, opts ...services.Option) (*services.IPBlockService, func(), error) {
	b, err := initStorage(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}

	svc, err := services.NewIPBlockService(b.counters, b.storage, ServiceConfig(cfg.IPBlock), logger.With("component", "ipblock"), opts...)
	if err != nil {
		b.close(logger)
		return nil, nil, err
	}

	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Error("ipblock_close_failed", "error", err)
		}
		b.close(logger)
	}
	return svc, cleanup, nil
}

// ReloadFunc re-reads the engine configuration from path and applies it.
func ReloadFunc(svc *services.IPBlockService, path string, logger *slog.Logger) func() {
	return func() {
		cfg, err := config.LoadIPBlock(path)
		if err != nil {
			logger.Error("config_reload_failed", "path", path, "error", err)
			return
		}
		if err := svc.Reload(ServiceConfig(cfg)); err != nil {
			logger.Error("config_reload_failed", "path", path, "error", err)
		}
	}
}
