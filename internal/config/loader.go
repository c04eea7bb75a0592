package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Meta.Path != "" {
		absMeta, err := filepath.Abs(cfg.Meta.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析元数据路径: %w", err)
		}
		cfg.Meta.Path = absMeta
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxCacheSize", int64(20)<<30)
	v.SetDefault("EvictionMarginPercent", 10)
	v.SetDefault("UseCompactor", false)
	v.SetDefault("MonitorStorage", true)
	v.SetDefault("ManifestFlushInterval", "30s")
	v.SetDefault("ParallelDownloads", 10)
	v.SetDefault("ParallelUploads", 3)
	v.SetDefault("DownloadSpeedLimit", 0)
	v.SetDefault("EnablePairProcessingLimit", true)
	v.SetDefault("MaxConcurrentPairApplies", 3)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("TransferTimeout", "60s")
	v.SetDefault("MaxCreatableCharaData", 5)
	v.SetDefault("CreationCooldown", "5s")
	v.SetDefault("Remote.Backend", "http")
	v.SetDefault("Meta.Backend", "sqlite")
	v.SetDefault("Meta.Path", "./meta.db")
}

// applyDefaults 处理 viper 默认值覆盖不到的情况，例如显式写成 0 的字段。
func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.ManifestFlushInterval.DurationValue() == 0 {
		g.ManifestFlushInterval = Duration(30 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.TransferTimeout.DurationValue() == 0 {
		g.TransferTimeout = Duration(60 * time.Second)
	}
	g.Identity = strings.TrimSpace(g.Identity)

	cfg.Remote.Backend = strings.ToLower(strings.TrimSpace(cfg.Remote.Backend))
	cfg.Meta.Backend = strings.ToLower(strings.TrimSpace(cfg.Meta.Backend))
	if cfg.Meta.Endpoint == "" {
		cfg.Meta.Endpoint = cfg.Remote.Endpoint
	}
	for i := range cfg.Forbidden {
		cfg.Forbidden[i].Hash = strings.ToUpper(strings.TrimSpace(cfg.Forbidden[i].Hash))
	}
}

// durationDecodeHook 让 Duration 字段同时接受字符串与数字秒值（TOML 整数或浮点）。
func durationDecodeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		value := reflect.ValueOf(data)
		switch value.Kind() {
		case reflect.String:
			var d Duration
			if err := d.UnmarshalText([]byte(value.String())); err != nil {
				return nil, err
			}
			return d, nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if from == target || from == reflect.TypeOf(time.Duration(0)) {
				return Duration(value.Int()), nil
			}
			return Duration(time.Duration(value.Int()) * time.Second), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return Duration(time.Duration(value.Uint()) * time.Second), nil
		case reflect.Float32, reflect.Float64:
			return Duration(time.Duration(value.Float() * float64(time.Second))), nil
		default:
			return nil, fmt.Errorf("Duration 字段不支持 %T", data)
		}
	}
}
