package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// DailyFile is an append-only writer that switches to a new
// <component>-YYYY-MM-DD.log file when the date changes. Old files are never
// touched; retention is the prune job's concern.
type DailyFile struct {
	mu        sync.Mutex
	dir       string
	component string
	now       func() time.Time
	day       string
	f         *os.File
}

// OpenDaily creates dir if needed and opens today's file for component.
func OpenDaily(dir, component string, now func() time.Time) (*DailyFile, error) {
	component = strings.TrimSpace(component)
	if component == "" {
		return nil, fmt.Errorf("log component is required")
	}
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	d := &DailyFile{dir: dir, component: component, now: now}
	if err := d.rotate(now().Format(dayLayout)); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if day := d.now().Format(dayLayout); day != d.day {
		if err := d.rotate(day); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

// Path returns the file currently being written.
func (d *DailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return filepath.Join(d.dir, d.component+"-"+d.day+".log")
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *DailyFile) rotate(day string) error {
	path := filepath.Join(d.dir, d.component+"-"+day+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.f = f
	d.day = day
	return nil
}

// FileName returns the daily file name for component on t's date.
func FileName(component string, t time.Time) string {
	return component + "-" + t.Format(dayLayout) + ".log"
}

// ParseFileName splits a daily log file name into component and date.
func ParseFileName(name string) (string, time.Time, bool) {
	base, ok := strings.CutSuffix(name, ".log")
	if !ok || len(base) < len(dayLayout)+2 {
		return "", time.Time{}, false
	}
	sep := len(base) - len(dayLayout) - 1
	if base[sep] != '-' {
		return "", time.Time{}, false
	}
	day, err := time.Parse(dayLayout, base[sep+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return base[:sep], day, true
}

// Latest returns the newest daily log file for component in dir.
// It returns fs.ErrNotExist when the component has no log files.
func Latest(dir, component string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		c, _, ok := ParseFileName(e.Name())
		if ok && c == component {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no %s log in %s: %w", component, dir, fs.ErrNotExist)
	}
	// Dates are zero-padded, so lexical order is chronological.
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

// IsNotExist reports whether err means no log file exists yet.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
