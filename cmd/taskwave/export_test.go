package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/taskwave/internal/config"
	"github.com/mtzanidakis/taskwave/internal/store"
	"github.com/mtzanidakis/taskwave/internal/vault"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRuns(t *testing.T, s *store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := s.SaveRun(&store.Run{
			ID:          id,
			Instruction: "instruction " + id,
			Source:      "cli",
			Strategy:    "sequential",
			Complexity:  1,
			Status:      store.RunCompleted,
			Output:      "output " + id,
		})
		if err != nil {
			t.Fatalf("seed run %s: %v", id, err)
		}
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestParseFileFlag(t *testing.T) {
	got, err := parseFileFlag([]string{"-f", "runs.jsonl.zst"}, "usage")
	if err != nil || got != "runs.jsonl.zst" {
		t.Errorf("parseFileFlag = %q, %v", got, err)
	}
	if _, err := parseFileFlag([]string{"-f"}, "usage"); err == nil {
		t.Error("expected error for -f without value")
	}
	if _, err := parseFileFlag(nil, "usage"); err == nil {
		t.Error("expected error without -f")
	}
}

func TestExportWritesJSONLines(t *testing.T) {
	src := newTestStore(t)
	seedRuns(t, src, "run-a", "run-b")

	path := filepath.Join(t.TempDir(), "runs.jsonl.zst")
	n, err := exportRuns(src, path, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("exported %d runs, want 2", n)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	ids := make(map[string]bool)
	for _, line := range lines {
		var run store.Run
		if err := json.Unmarshal([]byte(line), &run); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		ids[run.ID] = true
	}
	if !ids["run-a"] || !ids["run-b"] {
		t.Errorf("exported ids = %v", ids)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	seedRuns(t, src, "run-a", "run-b", "run-c")

	path := filepath.Join(t.TempDir(), "runs.jsonl.zst")
	if _, err := exportRuns(src, path, ""); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newTestStore(t)
	seedRuns(t, dst, "run-b")

	imported, skipped, err := importRuns(dst, path, "")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 2 || skipped != 1 {
		t.Errorf("imported=%d skipped=%d, want 2 and 1", imported, skipped)
	}

	got, err := dst.GetRun("run-c")
	if err != nil || got == nil {
		t.Fatalf("get imported run: %v", err)
	}
	if got.Output != "output run-c" || got.Status != store.RunCompleted {
		t.Errorf("imported run = %+v", got)
	}
}

func TestReadRunsRejectsBadLine(t *testing.T) {
	dst := newTestStore(t)

	input := `{"id":"run-a","instruction":"x","status":"completed","subtasks":[]}` + "\nnot json\n"
	imported, _, err := readRuns(strings.NewReader(input), dst)
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error = %v, want line number", err)
	}
	if imported != 1 {
		t.Errorf("imported = %d, want 1", imported)
	}
}

func TestImportInvalidZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zst")
	if err := os.WriteFile(path, []byte("not zstd data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := importRuns(newTestStore(t), path, ""); err == nil {
		t.Error("expected error for invalid zstd input")
	}
}

func TestEncryptedExportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	seedRuns(t, src, "run-a")

	path := filepath.Join(t.TempDir(), "runs.jsonl.zst")
	if _, err := exportRuns(src, path, "hunter2"); err != nil {
		t.Fatalf("export: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !vault.IsSealed(raw) {
		t.Fatal("export with passphrase is not sealed")
	}

	if _, _, err := importRuns(newTestStore(t), path, ""); err == nil {
		t.Error("expected error importing sealed export without passphrase")
	}
	if _, _, err := importRuns(newTestStore(t), path, "wrong"); err == nil {
		t.Error("expected error importing sealed export with wrong passphrase")
	}

	dst := newTestStore(t)
	imported, _, err := importRuns(dst, path, "hunter2")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 1 {
		t.Errorf("imported = %d, want 1", imported)
	}
}
