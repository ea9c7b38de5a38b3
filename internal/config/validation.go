package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/strategy"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	switch strings.ToLower(strings.TrimSpace(g.LogFormat)) {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	switch g.StorageDriver {
	case StorageDriverDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "disk 驱动下不能为空")
		}
	case StorageDriverMemory:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 disk/memory")
	}
	if g.OriginTimeout.DurationValue() <= 0 {
		return newFieldError("Global.OriginTimeout", "必须大于 0")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NetworkTimeout", "必须大于 0")
	}
	if g.ClientIdleTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ClientIdleTimeout", "必须大于 0")
	}
	if g.UpdateSchedule != "" {
		if _, err := cron.ParseStandard(g.UpdateSchedule); err != nil {
			return newFieldError("Global.UpdateSchedule", fmt.Sprintf("无法解析: %v", err))
		}
	}

	if len(c.Workers) == 0 {
		return errors.New("至少需要配置一个 Worker")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Name == "" {
			return newFieldError("Worker[].Name", "不能为空")
		}
		if !cache.ValidBucketName(w.Name) {
			return newFieldError(workerField(w.Name, "Name"), "仅允许字母、数字、点、下划线与连字符")
		}
		if _, exists := seenNames[w.Name]; exists {
			return newFieldError(workerField(w.Name, "Name"), "重复")
		}
		seenNames[w.Name] = struct{}{}

		if err := validateDomain(w.Domain); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Domain"), err)
		}
		domain := strings.ToLower(w.Domain)
		if owner, exists := seenDomains[domain]; exists {
			return newFieldError(workerField(w.Name, "Domain"), fmt.Sprintf("与 Worker[%s] 重复", owner))
		}
		seenDomains[domain] = w.Name

		if err := validateOrigin(w.Origin); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Origin"), err)
		}

		if w.CacheVersion == "" {
			return newFieldError(workerField(w.Name, "CacheVersion"), "不能为空")
		}
		if !cache.ValidBucketName(w.CacheVersion) {
			return newFieldError(workerField(w.Name, "CacheVersion"), "仅允许字母、数字、点、下划线与连字符")
		}

		if _, ok := strategy.Resolve(w.Strategy); !ok {
			return newFieldError(workerField(w.Name, "Strategy"), fmt.Sprintf("仅支持 %s", strings.Join(strategy.Keys(), "|")))
		}

		for idx, entry := range w.Manifest {
			if err := validateManifestEntry(entry); err != nil {
				return fmt.Errorf("%s: %w", workerField(w.Name, fmt.Sprintf("Manifest[%d]", idx)), err)
			}
		}
		for idx, pattern := range w.Exclude {
			if strings.TrimSpace(pattern) == "" {
				return newFieldError(workerField(w.Name, fmt.Sprintf("Exclude[%d]", idx)), "不能为空")
			}
		}
		if w.OfflinePage != "" {
			if err := validateManifestEntry(w.OfflinePage); err != nil {
				return fmt.Errorf("%s: %w", workerField(w.Name, "OfflinePage"), err)
			}
		}
		if w.FallbackStatus < 100 || w.FallbackStatus > 599 {
			return newFieldError(workerField(w.Name, "FallbackStatus"), "必须在 100-599")
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// validateManifestEntry 只接受相对路径或与源站同协议的绝对地址。
func validateManifestEntry(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return err
	}
	if parsed.IsAbs() && parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("不允许包含片段: %s", raw)
	}
	return nil
}
