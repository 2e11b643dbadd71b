package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mt5-connector/internal/config"
)

func TestNewLogger_WritesServiceField(t *testing.T) {
	out := filepath.Join(t.TempDir(), "connector.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{out},
	}, "test")
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}

	logger.Info("连接器已启动")
	_ = logger.Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"service":"mt5-connector"`, `"env":"test"`, `"ts"`} {
		if !strings.Contains(line, want) {
			t.Errorf("expected log line to contain %s, got %s", want, line)
		}
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud"}, ""); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
