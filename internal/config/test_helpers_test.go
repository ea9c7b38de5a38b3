package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// webWorker 是内联配置共用的最小 worker 段。
const webWorker = `
[[Worker]]
Name = "web"
Domain = "app.local"
Origin = "https://app.example.com"
CacheVersion = "v1"
`

func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// withWebWorker 在全局段之后追加 webWorker，便于只关注全局字段的用例。
func withWebWorker(global string) string {
	return strings.TrimSpace(global) + "\n" + webWorker
}

// writeTempConfig 把内联 TOML 写入临时目录并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
