package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileWriter_Write(t *testing.T) {
	tmpDir := t.TempDir()

	fw, err := NewFileWriter(tmpDir)
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	defer fw.Close()

	if _, err := fw.Write([]byte(`{"msg":"test"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	content, err := os.ReadFile(Path(tmpDir, time.Now()))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), `{"msg":"test"}`) {
		t.Errorf("expected content to contain test message, got: %s", content)
	}

	target, err := os.Readlink(filepath.Join(tmpDir, "current"))
	if err != nil {
		t.Fatalf("reading current symlink: %v", err)
	}
	if target != filepath.Base(Path(tmpDir, time.Now())) {
		t.Errorf("current -> %s, want today's file", target)
	}
}

func TestFileWriter_RotatesOnDayChange(t *testing.T) {
	tmpDir := t.TempDir()

	fw, err := NewFileWriter(tmpDir)
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	defer fw.Close()

	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	fw.now = func() time.Time { return tomorrow }

	if _, err := fw.Write([]byte("line\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(Path(tmpDir, tomorrow)); err != nil {
		t.Errorf("expected rotated file: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	tmpDir := t.TempDir()

	old := Path(tmpDir, time.Now().AddDate(0, 0, -10))
	recent := Path(tmpDir, time.Now().AddDate(0, 0, -1))
	other := filepath.Join(tmpDir, "notes.txt")
	for _, p := range []string{old, recent, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	Cleanup(tmpDir, 7)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old file should be removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent file should remain")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("unrelated file should remain")
	}
}
