// Package trigger implements the update trigger channel: a single-slot file
// mailbox shared between the managed application (writer) and the watcher
// (consumer).
//
// The application writes an image reference, or nothing, into the trigger
// file. The watcher consumes it by renaming the file to a claim path before
// reading it, so a request written while an update is running lands in a
// fresh trigger file instead of being deleted unseen.
package trigger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrEmptyPath = errors.New("trigger path is empty")

const claimSuffix = ".claimed"

// Trigger is one consumed update request. An empty Image asks the executor to
// resolve the latest image from the version endpoint.
type Trigger struct {
	Image      string
	ReceivedAt time.Time
}

type Mailbox struct {
	path string
}

func New(path string) (*Mailbox, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyPath
	}
	return &Mailbox{path: filepath.Clean(path)}, nil
}

func (m *Mailbox) Path() string { return m.path }

// ClaimPath is where a trigger lives between detection and dispatch.
func (m *Mailbox) ClaimPath() string { return m.path + claimSuffix }

// Pending reports whether a trigger or an unprocessed claim is present.
func (m *Mailbox) Pending() bool {
	for _, p := range []string{m.ClaimPath(), m.path} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// Take consumes the pending trigger, if any. ok is false when the mailbox is
// empty. A claim left over from an interrupted Take is returned first.
//
// The claim file is removed before Take returns, even when its contents
// cannot be read, so a malformed trigger never fires twice.
func (m *Mailbox) Take() (t Trigger, ok bool, err error) {
	claim := m.ClaimPath()
	if _, err := os.Stat(claim); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Trigger{}, false, fmt.Errorf("stat trigger claim: %w", err)
		}
		if err := os.Rename(m.path, claim); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Trigger{}, false, nil
			}
			return Trigger{}, false, fmt.Errorf("claim trigger: %w", err)
		}
	}
	defer func() {
		if rmErr := os.Remove(claim); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove trigger claim: %w", rmErr))
		}
	}()

	info, err := os.Stat(claim)
	if err != nil {
		return Trigger{}, false, fmt.Errorf("stat trigger claim: %w", err)
	}
	data, err := os.ReadFile(claim)
	if err != nil {
		return Trigger{}, false, fmt.Errorf("read trigger: %w", err)
	}
	return Trigger{Image: ParsePayload(data), ReceivedAt: info.ModTime()}, true, nil
}

// ParsePayload returns the first line of data with surrounding whitespace
// removed. Empty and whitespace-only payloads yield "".
func ParsePayload(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		return ""
	}
	return strings.TrimSpace(sc.Text())
}

// Post writes image as the pending trigger, replacing any previous one. The
// file is written to a temp name and renamed so the watcher never observes a
// partial payload.
func (m *Mailbox) Post(image string) error {
	tmpName, err := m.writeTemp(image)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)

	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("publish trigger: %w", err)
	}
	return nil
}

// Restore puts a taken trigger back so the next Take sees it again. A trigger
// written since the Take wins: restored is false and the mailbox is left
// untouched.
func (m *Mailbox) Restore(image string) (restored bool, err error) {
	tmpName, err := m.writeTemp(image)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmpName)

	// Link fails instead of replacing an existing trigger.
	if err := os.Link(tmpName, m.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("restore trigger: %w", err)
	}
	return true, nil
}

func (m *Mailbox) writeTemp(image string) (string, error) {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create trigger dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".trigger-*")
	if err != nil {
		return "", fmt.Errorf("create trigger temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strings.TrimSpace(image)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write trigger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close trigger temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chmod trigger: %w", err)
	}
	return tmpName, nil
}
