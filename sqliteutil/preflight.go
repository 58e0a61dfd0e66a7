// Package sqliteutil holds the open-time health check shared by every SQLite
// file the crawler owns.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// PreflightResult reports what Preflight found.
type PreflightResult struct {
	Healthy    bool
	SetAside   bool   // the file failed its check and was renamed
	MovedTo    string // new name of the main file when SetAside
	Elapsed    time.Duration
	CheckError error
}

var sidecars = []string{"", "-wal", "-shm", "-journal"}

// Preflight checkpoints the WAL and runs quick_check within timeout. A file
// that fails either step is renamed (sidecars included) to
// <path>.bad-<timestamp> so the caller can continue with a fresh database.
// A missing file is healthy.
func Preflight(path, role string, timeout time.Duration, logf func(string, ...any)) (PreflightResult, error) {
	var res PreflightResult
	if strings.TrimSpace(path) == "" {
		return res, errors.New("preflight: empty path")
	}
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return res, fmt.Errorf("preflight: ensure dir: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		res.Healthy = true
		return res, nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	checkErr := check(ctx, path, timeout)
	res.Elapsed = time.Since(start)
	res.CheckError = checkErr
	if checkErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("preflight: %s db timed out after %s", role, timeout)
	}

	moved, err := setAside(path, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("preflight: set aside %s db: %w (check=%v)", role, err, checkErr)
	}
	res.SetAside = true
	res.MovedTo = moved
	logf("%s db preflight failed (%v); moved to %s after %s", role, checkErr, moved, res.Elapsed)
	return res, nil
}

func check(ctx context.Context, path string, timeout time.Duration) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("quick_check: %w", err)
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func setAside(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	for _, ext := range sidecars {
		src := path + ext
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return "", err
		}
	}
	return path + suffix, nil
}
