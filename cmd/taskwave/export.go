package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/taskwave/internal/store"
	"github.com/mtzanidakis/taskwave/internal/vault"
)

// maxRunLine bounds a single exported run; outputs can be large.
const maxRunLine = 64 << 20

// passphraseEnv, when set, seals exports and opens sealed imports.
const passphraseEnv = "TASKWAVE_EXPORT_PASSPHRASE"

func parseFileFlag(args []string, usage string) (string, error) {
	var path string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return "", fmt.Errorf("missing value for -f")
			}
			i++
			path = args[i]
		}
	}
	if path == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		return "", fmt.Errorf("missing -f flag")
	}
	return path, nil
}

func runExport(args []string) error {
	outputPath, err := parseFileFlag(args, "taskwave export -f <runs.jsonl.zst>")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	n, err := exportRuns(db, outputPath, os.Getenv(passphraseEnv))
	if err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Export complete: %d runs, %s\n", n, formatSize(size))
	return nil
}

// exportRuns writes every run as one JSON line into a zstd stream. With a
// passphrase the compressed stream is sealed with the vault.
func exportRuns(db *store.Store, outputPath, passphrase string) (int, error) {
	runs, err := db.ListRuns(0)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	enc := json.NewEncoder(zw)
	// Oldest first so an import replays history in order.
	for i := len(runs) - 1; i >= 0; i-- {
		if err := enc.Encode(runs[i]); err != nil {
			return 0, fmt.Errorf("encode run %s: %w", runs[i].ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}

	data := buf.Bytes()
	if passphrase != "" {
		v, err := vault.NewRandom(passphrase)
		if err != nil {
			return 0, err
		}
		if data, err = v.Seal(data); err != nil {
			return 0, fmt.Errorf("seal export: %w", err)
		}
	}

	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		return 0, fmt.Errorf("write output file: %w", err)
	}
	return len(runs), nil
}

func runImport(args []string) error {
	inputPath, err := parseFileFlag(args, "taskwave import -f <runs.jsonl.zst>")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	imported, skipped, err := importRuns(db, inputPath, os.Getenv(passphraseEnv))
	if err != nil {
		return err
	}
	fmt.Printf("Import complete: %d runs imported, %d already present\n", imported, skipped)
	return nil
}

// importRuns reads an export produced by exportRuns. Runs already in the
// store are skipped.
func importRuns(db *store.Store, inputPath, passphrase string) (imported, skipped int, err error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return 0, 0, fmt.Errorf("read input file: %w", err)
	}

	if vault.IsSealed(data) {
		if passphrase == "" {
			return 0, 0, fmt.Errorf("export is encrypted, set %s", passphraseEnv)
		}
		if data, err = vault.Open(passphrase, data); err != nil {
			return 0, 0, err
		}
	}

	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	return readRuns(zr, db)
}

func readRuns(r io.Reader, db *store.Store) (imported, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRunLine)

	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var run store.Run
		if err := json.Unmarshal(sc.Bytes(), &run); err != nil {
			return imported, skipped, fmt.Errorf("line %d: %w", line, err)
		}
		if run.ID == "" {
			slog.Warn("skipping run without id", "line", line)
			continue
		}
		ok, err := db.ImportRun(&run)
		if err != nil {
			return imported, skipped, err
		}
		if ok {
			imported++
		} else {
			skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return imported, skipped, fmt.Errorf("read export: %w", err)
	}
	return imported, skipped, nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
