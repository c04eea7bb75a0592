package config

import (
	"os"
	"path/filepath"
	"testing"
)

// fixture 返回 testdata 下的配置文件路径。
func fixture(name string) string {
	return filepath.Join("testdata", name)
}

// writeConfig 把 body 写入临时目录中的 umbra-sync.toml。
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "umbra-sync.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
