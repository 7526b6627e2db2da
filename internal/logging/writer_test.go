package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "pixelforged.log"), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("pixelforged-%s.log", day)))
	if err != nil {
		t.Fatalf("read dated file: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestSizeRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "pixelforged.log"), 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	for i := 0; i < 4; i++ {
		if _, err := w.Write([]byte("123456\n")); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var rolled bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "-2.log") {
			rolled = true
		}
	}
	if !rolled {
		t.Fatalf("expected a -2 rollover file, got %v", entries)
	}
}

func TestDashDisablesOutput(t *testing.T) {
	w, err := New("-", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if n, err := w.Write([]byte("dropped")); err != nil || n != 7 {
		t.Fatalf("discard write: n=%d err=%v", n, err)
	}
}
