package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/sw-edge/internal/strategy"
)

const (
	defaultListenPort        = 5000
	defaultOriginTimeout     = 30 * time.Second
	defaultNetworkTimeout    = 10 * time.Second
	defaultClientIdleTimeout = 30 * time.Minute
	defaultUpdateSchedule    = "@every 6h"
	defaultFallbackStatus    = 503
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

	if err := rejectWorkerLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Workers {
		applyWorkerDefaults(&cfg.Workers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverDisk)
	v.SetDefault("OriginTimeout", "30s")
	v.SetDefault("NetworkTimeout", "10s")
	v.SetDefault("ClientIdleTimeout", "30m")
	v.SetDefault("UpdateSchedule", defaultUpdateSchedule)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverDisk
	}
	if g.OriginTimeout.DurationValue() == 0 {
		g.OriginTimeout = Duration(defaultOriginTimeout)
	}
	if g.NetworkTimeout.DurationValue() == 0 {
		g.NetworkTimeout = Duration(defaultNetworkTimeout)
	}
	if g.ClientIdleTimeout.DurationValue() == 0 {
		g.ClientIdleTimeout = Duration(defaultClientIdleTimeout)
	}
	g.UpdateSchedule = strings.TrimSpace(g.UpdateSchedule)
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Name = strings.TrimSpace(w.Name)
	w.CacheVersion = strings.TrimSpace(w.CacheVersion)
	if trimmed := strings.TrimSpace(w.Strategy); trimmed == "" {
		w.Strategy = strategy.DefaultKey()
	} else {
		w.Strategy = strings.ToLower(trimmed)
	}
	if w.FallbackStatus == 0 {
		w.FallbackStatus = defaultFallbackStatus
	}
	if w.NetworkTimeout.DurationValue() < 0 {
		w.NetworkTimeout = Duration(0)
	}
	w.Origin = strings.TrimRight(strings.TrimSpace(w.Origin), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectWorkerLevelPorts 拒绝 Worker 段落中的 Port 字段，所有 worker 共用全局 ListenPort。
func rejectWorkerLevelPorts(v *viper.Viper) error {
	raw := v.Get("Worker")
	workers, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range workers {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "Port"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if s, ok := rawName.(string); ok && s != "" {
					name = s
				}
			}
			return newFieldError(workerField(name, "Port"), "不支持按 Worker 配置端口，请使用全局 ListenPort")
		}
	}

	return nil
}

// lookupFold 忽略大小写查找键，viper 可能已将数组内的表键转为小写。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
