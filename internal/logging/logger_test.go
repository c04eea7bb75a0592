package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInitLoggerDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(Options{})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("默认级别应为 info, got %s", logger.GetLevel())
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(Options{Level: "loud"}); err == nil {
		t.Fatalf("未知级别应返回错误")
	}
}

func TestInitLoggerFallsBackWhenDirectoryCannotBeCreated(t *testing.T) {
	dir := t.TempDir()
	// 父路径是普通文件，MkdirAll 必然失败
	occupied := filepath.Join(dir, "occupied")
	if err := os.WriteFile(occupied, []byte("x"), 0o644); err != nil {
		t.Fatalf("创建文件失败: %v", err)
	}

	logger, err := InitLogger(Options{Level: "info", FilePath: filepath.Join(occupied, "sub", "umbra-sync.log")})
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestInitLoggerCreatesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "umbra-sync.log")
	logger, err := InitLogger(Options{Level: "debug", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestFieldsCarryIdentifiers(t *testing.T) {
	fields := BaseFields("startup", "config.toml")
	if fields["action"] != "startup" || fields["configPath"] != "config.toml" {
		t.Fatalf("unexpected base fields %v", fields)
	}
	if fields := BundleFields("id-1", "OWNER"); fields["bundle_id"] != "id-1" || fields["owner"] != "OWNER" {
		t.Fatalf("unexpected bundle fields %v", fields)
	}
}
