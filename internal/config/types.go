package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级行为：日志、本地缓存与传输参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath           string   `mapstructure:"StoragePath"`
	MaxCacheSize          int64    `mapstructure:"MaxCacheSize"`
	EvictionMarginPercent int      `mapstructure:"EvictionMarginPercent"`
	UseCompactor          bool     `mapstructure:"UseCompactor"`
	MonitorStorage        bool     `mapstructure:"MonitorStorage"`
	ManifestFlushInterval Duration `mapstructure:"ManifestFlushInterval"`

	ParallelDownloads         int      `mapstructure:"ParallelDownloads"`
	ParallelUploads           int      `mapstructure:"ParallelUploads"`
	DownloadSpeedLimit        int64    `mapstructure:"DownloadSpeedLimit"`
	EnablePairProcessingLimit bool     `mapstructure:"EnablePairProcessingLimit"`
	MaxConcurrentPairApplies  int      `mapstructure:"MaxConcurrentPairApplies"`
	MaxRetries                int      `mapstructure:"MaxRetries"`
	InitialBackoff            Duration `mapstructure:"InitialBackoff"`
	TransferTimeout           Duration `mapstructure:"TransferTimeout"`

	MaxCreatableCharaData int      `mapstructure:"MaxCreatableCharaData"`
	CreationCooldown      Duration `mapstructure:"CreationCooldown"`
	Identity              string   `mapstructure:"Identity"`
}

// RemoteConfig 选择 blob 传输后端。
type RemoteConfig struct {
	Backend  string `mapstructure:"Backend"`
	Endpoint string `mapstructure:"Endpoint"`
	Bucket   string `mapstructure:"Bucket"`
	Region   string `mapstructure:"Region"`
	Prefix   string `mapstructure:"Prefix"`
}

// MetaConfig 选择 bundle 元数据后端。Endpoint 为空时沿用 Remote.Endpoint。
type MetaConfig struct {
	Backend       string `mapstructure:"Backend"`
	Endpoint      string `mapstructure:"Endpoint"`
	Path          string `mapstructure:"Path"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
}

// ForbiddenConfig 是预置的禁止传输条目。
type ForbiddenConfig struct {
	Hash      string `mapstructure:"Hash"`
	Reason    string `mapstructure:"Reason"`
	BlockedBy string `mapstructure:"BlockedBy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig      `mapstructure:",squash"`
	Remote    RemoteConfig      `mapstructure:"Remote"`
	Meta      MetaConfig        `mapstructure:"Meta"`
	Forbidden []ForbiddenConfig `mapstructure:"Forbidden"`
}
