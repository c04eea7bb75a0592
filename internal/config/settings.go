package config

import (
	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/identity"
	"github.com/umbrasys/umbra-sync/internal/logging"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

// BlobSettings 把 [Remote] 映射为后端工厂参数。
func (c *Config) BlobSettings(logger *logrus.Logger) backend.Settings {
	return backend.Settings{
		Endpoint: c.Remote.Endpoint,
		Bucket:   c.Remote.Bucket,
		Region:   c.Remote.Region,
		Prefix:   c.Remote.Prefix,
		Identity: identity.CanonicalID(c.Global.Identity),
		Timeout:  c.Global.TransferTimeout.DurationValue(),
		Logger:   logger,
	}
}

// MetaSettings 把 [Meta] 映射为后端工厂参数。
func (c *Config) MetaSettings(logger *logrus.Logger) backend.Settings {
	return backend.Settings{
		Endpoint: c.Meta.Endpoint,
		Prefix:   c.Remote.Prefix,
		Path:     c.Meta.Path,
		Addr:     c.Meta.RedisAddr,
		Password: c.Meta.RedisPassword,
		DB:       c.Meta.RedisDB,
		Identity: identity.CanonicalID(c.Global.Identity),
		Timeout:  c.Global.TransferTimeout.DurationValue(),
		Logger:   logger,
	}
}

// ForbiddenEntries 返回 [[Forbidden]] 预置条目，假定 Validate 已经通过。
func (c *Config) ForbiddenEntries() []transfer.ForbiddenEntry {
	if len(c.Forbidden) == 0 {
		return nil
	}
	entries := make([]transfer.ForbiddenEntry, 0, len(c.Forbidden))
	for _, item := range c.Forbidden {
		hash, err := cache.ParseHash(item.Hash)
		if err != nil {
			continue
		}
		entries = append(entries, transfer.ForbiddenEntry{Hash: hash, Reason: item.Reason, BlockedBy: item.BlockedBy})
	}
	return entries
}

// LogOptions 把全局日志字段映射为 logging.Options。
func (g GlobalConfig) LogOptions() logging.Options {
	return logging.Options{
		Level:      g.LogLevel,
		FilePath:   g.LogFilePath,
		MaxSize:    g.LogMaxSize,
		MaxBackups: g.LogMaxBackups,
		Compress:   g.LogCompress,
	}
}
