package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// setupTestDir creates a temporary directory for test logs and resets global state
func setupTestDir(t *testing.T) (cleanup func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "threadrelay-logging-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	origLogDir := logDir
	origInitErr := initErr
	origRunID := runID

	logDir = tempDir
	initErr = nil
	initOnce = sync.Once{}
	runID = ""
	runIDOnce = sync.Once{}

	return func() {
		logDir = origLogDir
		initErr = origInitErr
		initOnce = sync.Once{}
		runID = origRunID
		runIDOnce = sync.Once{}
		os.RemoveAll(tempDir)
	}
}

func TestNewLogger(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test-component")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if logger.component != "test-component" {
		t.Errorf("Expected component 'test-component', got %q", logger.component)
	}
	if logger.RunID() == "" {
		t.Error("Expected non-empty run ID")
	}
	if logger.LogPath() == "" {
		t.Error("Expected non-empty log path")
	}
	if _, err := os.Stat(logger.LogPath()); os.IsNotExist(err) {
		t.Errorf("Log file does not exist at %s", logger.LogPath())
	}
}

func TestLoggerFormatting(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Printf("Test message %d", 123)
	logger.Debugf("Debug message")
	logger.Infof("Info message")
	logger.Warnf("Warning message")
	logger.Errorf("Error message")
	logger.Close()

	content, err := os.ReadFile(logger.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	logContent := string(content)

	expectedPatterns := []string{
		"[test] [INFO] Test message 123",
		"[test] [DEBUG] Debug message",
		"[test] [INFO] Info message",
		"[test] [WARN] Warning message",
		"[test] [ERROR] Error message",
	}
	for _, pattern := range expectedPatterns {
		if !strings.Contains(logContent, pattern) {
			t.Errorf("Log content missing expected pattern: %q\nContent:\n%s", pattern, logContent)
		}
	}
}

func TestMultipleComponentsShareRunFile(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	orchestrator, err := NewLogger("orchestrator")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	automation, err := NewLogger("automation")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	if orchestrator.RunID() != automation.RunID() {
		t.Errorf("Expected same run ID, got %q and %q", orchestrator.RunID(), automation.RunID())
	}
	if orchestrator.LogPath() != automation.LogPath() {
		t.Errorf("Expected same log path, got %q and %q", orchestrator.LogPath(), automation.LogPath())
	}

	orchestrator.Printf("tab created")
	automation.Printf("input surface found")
	orchestrator.Close()
	automation.Close()

	content, err := os.ReadFile(orchestrator.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "[orchestrator]") || !strings.Contains(string(content), "[automation]") {
		t.Errorf("Log missing component entries:\n%s", content)
	}
}

func TestSetOutput(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("relay")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Warnf("reply already sent for %s", "msg-1")

	if !strings.Contains(buf.String(), "[relay] [WARN] reply already sent for msg-1") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestGetRunID(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	id1 := GetRunID()
	id2 := GetRunID()
	if id1 != id2 {
		t.Errorf("Expected consistent run ID, got %q and %q", id1, id2)
	}
	if id1 == "" {
		t.Error("Expected non-empty run ID")
	}
}

func TestGetLogDirectory(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	dir, err := GetLogDirectory()
	if err != nil {
		t.Fatalf("Failed to get log directory: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("Log directory does not exist or is not a directory: %s", dir)
	}
}

func TestLoggerClose(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestLogPathFormat(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	fileName := filepath.Base(logger.LogPath())
	if !strings.HasSuffix(fileName, "-threadrelay.log") {
		t.Errorf("Expected log file to end with '-threadrelay.log', got %q", fileName)
	}
	runPart := strings.TrimSuffix(fileName, "-threadrelay.log")
	if !strings.Contains(runPart, "-") {
		t.Errorf("Expected run ID part to contain dashes (UUID format), got %q", runPart)
	}
}
