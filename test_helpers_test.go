package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// go test 以包目录为工作目录，根包的 fixture 直接相对引用。
const configTestdata = "internal/config/testdata"

func configFixture(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join(configTestdata, name))
	if err != nil {
		t.Fatalf("解析 fixture 路径失败: %v", err)
	}
	return path
}

// writeConfigFile 把一段 worker 配置写到临时目录，返回文件路径。
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
