package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/sw-edge/internal/strategy"
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

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储驱动取值。
const (
	StorageDriverDisk   = "disk"
	StorageDriverMemory = "memory"
)

// GlobalConfig 描述全局运行时行为，所有 Worker 共享同一份参数。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFormat         string   `mapstructure:"LogFormat"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	StorageDriver     string   `mapstructure:"StorageDriver"`
	OriginTimeout     Duration `mapstructure:"OriginTimeout"`
	NetworkTimeout    Duration `mapstructure:"NetworkTimeout"`
	ClientIdleTimeout Duration `mapstructure:"ClientIdleTimeout"`
	UpdateSchedule    string   `mapstructure:"UpdateSchedule"`
}

// WorkerConfig 描述一个虚拟主机上的缓存 worker：源站、缓存版本与拦截策略。
type WorkerConfig struct {
	Name           string   `mapstructure:"Name"`
	Domain         string   `mapstructure:"Domain"`
	Origin         string   `mapstructure:"Origin"`
	CacheVersion   string   `mapstructure:"CacheVersion"`
	Strategy       string   `mapstructure:"Strategy"`
	Manifest       []string `mapstructure:"Manifest"`
	Exclude        []string `mapstructure:"Exclude"`
	SkipWaiting    bool     `mapstructure:"SkipWaiting"`
	ClaimClients   bool     `mapstructure:"ClaimClients"`
	OfflinePage    string   `mapstructure:"OfflinePage"`
	FallbackStatus int      `mapstructure:"FallbackStatus"`
	NetworkTimeout Duration `mapstructure:"NetworkTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Workers []WorkerConfig `mapstructure:"Worker"`
}

// Worker 按名称查找 worker 配置。
func (c *Config) Worker(name string) (WorkerConfig, bool) {
	if c == nil {
		return WorkerConfig{}, false
	}
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return WorkerConfig{}, false
}

// StrategyOverrides 将 worker 层的超时配置映射为策略覆盖项。
func (w WorkerConfig) StrategyOverrides(fallback time.Duration) strategy.Options {
	timeout := w.NetworkTimeout.DurationValue()
	if timeout <= 0 {
		timeout = fallback
	}
	return strategy.Options{NetworkTimeoutOverride: timeout}
}

// Summaries 返回所有 worker 的 name:version 摘要，供启动日志使用。
func Summaries(workers []WorkerConfig) []string {
	if len(workers) == 0 {
		return nil
	}
	result := make([]string, len(workers))
	for i, w := range workers {
		result[i] = fmt.Sprintf("%s:%s", w.Name, w.CacheVersion)
	}
	return result
}
