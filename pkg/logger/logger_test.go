package logger

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestInit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "server.log")

	if err := Init(logPath, "debug"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	Info("test message", zap.String("key", "value"))
	Debug("debug message")
	Warn("warn message")
	Error("error message")

	if err := Sync(); err != nil {
		// Sync on some platforms returns an error for file sinks; the
		// write below is the real assertion.
		t.Logf("Sync() returned %v", err)
	}

	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("expected log file to exist: %v", err)
	}
}

func TestInitUnknownLevelFallsBack(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "server.log")

	if err := Init(logPath, "not-a-level"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Info("still works")
}

func TestFatalInTestMode(t *testing.T) {
	dir := t.TempDir()
	if err := Init(filepath.Join(dir, "server.log"), "info"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	SetTestMode(true)
	defer SetTestMode(false)

	// Must not call os.Exit.
	Fatal("fatal message in test mode")
}
