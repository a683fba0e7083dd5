package systemd

import (
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports readiness and liveness over NOTIFY_SOCKET. Outside of a
// Type=notify unit both calls are no-ops.
type Notifier struct{}

func (Notifier) Ready() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Error("Failed to notify systemd that the watcher is ready.", "err", err)
	}
}

func (Notifier) Watchdog() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		slog.Warn("Failed to ping the systemd watchdog.", "err", err)
	}
}

func (Notifier) Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
