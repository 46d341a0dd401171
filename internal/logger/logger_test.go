package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerNew(t *testing.T) {
	log := New(false)
	if log == nil {
		t.Fatal("Expected logger to be created, got nil")
	}
	if log.debug {
		t.Error("Expected debug to be false")
	}

	logDebug := New(true)
	if !logDebug.debug {
		t.Error("Expected debug to be true")
	}
}

func TestLoggerNewWithFile(t *testing.T) {
	logFilePath := filepath.Join(t.TempDir(), "test.log")

	log, err := NewWithFile(false, logFilePath)
	if err != nil {
		t.Fatalf("Failed to create logger with file: %v", err)
	}
	if log.logFile == nil {
		t.Fatal("Expected log file to be set, got nil")
	}

	log.Info("test message")
	if err := log.Close(); err != nil {
		t.Fatalf("Expected Close() to succeed, got error: %v", err)
	}

	content, err := os.ReadFile(logFilePath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "test message") {
		t.Error("Expected log file to contain 'test message'")
	}
	if !strings.Contains(string(content), `"level":"info"`) {
		t.Errorf("Expected JSON records in log file, got %q", content)
	}
}

func TestLoggerClose(t *testing.T) {
	log := New(false)
	if err := log.Close(); err != nil {
		t.Errorf("Expected Close() to succeed, got error: %v", err)
	}
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name  string
		write func(l *Logger)
		want  string
	}{
		{"info", func(l *Logger) { l.Infof("copied %d parts", 3) }, "[INFO] copied 3 parts"},
		{"success", func(l *Logger) { l.Success("volume attached") }, "volume attached"},
		{"warning", func(l *Logger) { l.Warningf("retrying %s", "upload") }, "[WARNING] retrying upload"},
		{"error", func(l *Logger) { l.Error("conversion failed") }, "[ERROR] conversion failed"},
		{"step", func(l *Logger) { l.Step(2, "Uploading volumes") }, "Step 2: Uploading volumes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.write(NewWithWriter(false, &buf))
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("Expected output to contain %q, got %q", tt.want, buf.String())
			}
		})
	}
}

func TestLoggerDebug(t *testing.T) {
	var quiet bytes.Buffer
	NewWithWriter(false, &quiet).Debug("this should not be logged")
	if quiet.Len() != 0 {
		t.Errorf("Expected no debug output, got %q", quiet.String())
	}

	var loud bytes.Buffer
	NewWithWriter(true, &loud).Debugf("formatted debug: %s", "value")
	if !strings.Contains(loud.String(), "formatted debug: value") {
		t.Errorf("Expected debug output, got %q", loud.String())
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(false, &buf).With("job_id", "web-01")
	log.Info("phase recorded")
	if !strings.Contains(buf.String(), "web-01") {
		t.Errorf("Expected job_id field in output, got %q", buf.String())
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(true, &buf).WithSecrets("hunter2", "")
	log.Infof("running sshpass -p %s ssh root@host", "hunter2")
	log.Debug("token=hunter2")
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("Expected secret to be redacted, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), redacted) {
		t.Errorf("Expected redaction marker, got %q", buf.String())
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("key=abc secret=xyz", "xyz"); got != "key=abc secret="+redacted {
		t.Errorf("Expected redacted string, got %q", got)
	}
	if got := Redact("nothing here"); got != "nothing here" {
		t.Errorf("Expected unchanged string, got %q", got)
	}
}

func TestGetTimestamp(t *testing.T) {
	timestamp := GetTimestamp()
	if len(timestamp) != 15 {
		t.Errorf("Expected timestamp length to be 15, got %d", len(timestamp))
	}
	if timestamp[8] != '-' {
		t.Error("Expected timestamp to have hyphen at position 8")
	}
}
