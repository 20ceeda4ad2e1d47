package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threatdash.log")
	logger, err := New(Config{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hello", Component("test"))
	Sync(logger)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(b)
	for _, want := range []string{`"msg":"hello"`, `"component":"test"`, `"service":"threatdash"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in log line, got %s", want, line)
		}
	}
}
