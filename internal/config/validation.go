package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.Global.validate(); err != nil {
		return err
	}
	if err := c.Remote.validate(); err != nil {
		return err
	}
	if err := c.Meta.validate(); err != nil {
		return err
	}
	for i, entry := range c.Forbidden {
		if _, err := cache.ParseHash(entry.Hash); err != nil {
			return newFieldError(forbiddenField(i, "Hash"), "必须是 40 位十六进制哈希")
		}
		if strings.TrimSpace(entry.Reason) == "" {
			return newFieldError(forbiddenField(i, "Reason"), "不能为空")
		}
	}
	return nil
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", "必须大于 0")
	}
	if g.EvictionMarginPercent < 0 || g.EvictionMarginPercent > 90 {
		return newFieldError("Global.EvictionMarginPercent", "必须在 0-90")
	}
	if g.ManifestFlushInterval.DurationValue() <= 0 {
		return newFieldError("Global.ManifestFlushInterval", "必须大于 0")
	}
	if g.ParallelDownloads < 1 {
		return newFieldError("Global.ParallelDownloads", "至少为 1")
	}
	if g.ParallelUploads < 1 {
		return newFieldError("Global.ParallelUploads", "至少为 1")
	}
	if g.DownloadSpeedLimit < 0 {
		return newFieldError("Global.DownloadSpeedLimit", "不能为负数")
	}
	if g.EnablePairProcessingLimit && g.MaxConcurrentPairApplies < 1 {
		return newFieldError("Global.MaxConcurrentPairApplies", "启用配对限制时至少为 1")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.TransferTimeout.DurationValue() <= 0 {
		return newFieldError("Global.TransferTimeout", "必须大于 0")
	}
	if g.MaxCreatableCharaData < 1 {
		return newFieldError("Global.MaxCreatableCharaData", "至少为 1")
	}
	if g.CreationCooldown.DurationValue() < 0 {
		return newFieldError("Global.CreationCooldown", "不能为负数")
	}
	return nil
}

func (r RemoteConfig) validate() error {
	if err := validateBackend("Remote.Backend", backend.KindBlob, r.Backend); err != nil {
		return err
	}
	switch r.Backend {
	case "http":
		if err := validateEndpoint(r.Endpoint); err != nil {
			return fmt.Errorf("Remote.Endpoint: %w", err)
		}
	case "s3", "gcs":
		if strings.TrimSpace(r.Bucket) == "" {
			return newFieldError("Remote.Bucket", "对象存储后端必须指定 Bucket")
		}
		if r.Endpoint != "" {
			if err := validateEndpoint(r.Endpoint); err != nil {
				return fmt.Errorf("Remote.Endpoint: %w", err)
			}
		}
	}
	return nil
}

func (m MetaConfig) validate() error {
	if err := validateBackend("Meta.Backend", backend.KindMeta, m.Backend); err != nil {
		return err
	}
	switch m.Backend {
	case "http":
		if err := validateEndpoint(m.Endpoint); err != nil {
			return fmt.Errorf("Meta.Endpoint: %w", err)
		}
	case "redis":
		if strings.TrimSpace(m.RedisAddr) == "" {
			return newFieldError("Meta.RedisAddr", "redis 后端必须指定地址")
		}
		if m.RedisDB < 0 {
			return newFieldError("Meta.RedisDB", "不能为负数")
		}
	case "sqlite":
		if strings.TrimSpace(m.Path) == "" {
			return newFieldError("Meta.Path", "sqlite 后端必须指定文件路径")
		}
	}
	return nil
}

func validateBackend(field string, kind backend.Kind, key string) error {
	keys := backend.Keys(kind)
	if key == "" {
		return newFieldError(field, "不能为空")
	}
	if !slices.Contains(keys, key) {
		return newFieldError(field, "仅支持 "+strings.Join(keys, "|"))
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("缺少 hub 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
