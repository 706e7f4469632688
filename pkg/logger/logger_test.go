package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditLoggerWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "audit.log")

	if err := Init(Config{OutputPaths: []string{"discard"}, Audit: AuditConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("workflow_started", "run_id", "run-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one audit line")
	}
	var line map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if line["msg"] != "workflow_started" || line["run_id"] != "run-1" {
		t.Fatalf("unexpected audit line: %v", line)
	}
}

func TestRotatingWriterShiftsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	writer, err := newRotatingWriter(AuditConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	writer.maxSize = 8
	defer writer.Close()

	for _, chunk := range []string{"aaaaaa\n", "bbbbbb\n", "cccccc\n", "dddddd\n"} {
		if _, err := writer.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "dddddd\n" {
		t.Fatalf("unexpected current content %q", current)
	}
	first, err := os.ReadFile(path + ".1")
	if err != nil || string(first) != "cccccc\n" {
		t.Fatalf("unexpected first backup %q (%v)", first, err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backups beyond the limit must be removed")
	}
}
