// Package systemd speaks the sd_notify protocol for Type=notify units.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "devpilot/pkg/logx"
)

func notify(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	return ok && err == nil
}

// Ready reports startup completion. It returns false when not under systemd.
func Ready() bool { return notify(daemon.SdNotifyReady) }

func Stopping() bool { return notify(daemon.SdNotifyStopping) }

func Reloading() bool { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) bool { return notify("STATUS=" + msg) }

// Watchdog pings systemd at half of WatchdogSec until ctx is done. A ping is
// skipped while healthy reports false, so a wedged process gets restarted.
// It returns immediately when the unit has no watchdog.
func Watchdog(ctx context.Context, healthy func() bool, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("watchdog ping skipped: unhealthy")
				continue
			}
			notify(daemon.SdNotifyWatchdog)
		}
	}
}
