// Package logretention deletes component log files that have aged past the
// retention window.
package logretention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"redeploy/internal/logging"
)

// DefaultRetention is 30 days.
const DefaultRetention = 30 * 24 * time.Hour

// Pruner removes *.log files in Dir last written before now-Retention.
type Pruner struct {
	Dir       string
	Retention time.Duration
	Now       func() time.Time
}

// Prune returns the paths it removed. A missing directory is not an error.
// Failures on individual files are collected and the pass continues.
func (p Pruner) Prune(ctx context.Context) ([]string, error) {
	retention := p.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().Add(-retention)

	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !lastWrite(e.Name(), info.ModTime()).Before(cutoff) {
			continue
		}
		path := filepath.Join(p.Dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed = append(removed, path)
	}

	slog.Info("Pruned old logs.", "dir", p.Dir, "removed", len(removed), "retention", retention)
	return removed, errors.Join(errs...)
}

// lastWrite is the earlier of the file's modification time and the end of
// the day encoded in a daily log name. Daily files are never written after
// their day, even if something later touched the mtime.
func lastWrite(name string, mod time.Time) time.Time {
	_, day, ok := logging.ParseFileName(name)
	if !ok {
		return mod
	}
	if end := day.Add(24 * time.Hour); end.Before(mod) {
		return end
	}
	return mod
}
