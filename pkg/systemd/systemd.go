// Package systemd sends sd_notify state changes when running under a
// Type=notify unit. Every call is a no-op outside systemd.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	enabled bool
	send    func(state string) (bool, error)
}

func New(enabled bool) *Notifier {
	return &Notifier{
		enabled: enabled,
		send:    func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *Notifier) notify(state string) (bool, error) {
	if n == nil || !n.enabled {
		return false, nil
	}
	return n.send(state)
}

func (n *Notifier) Ready() (bool, error)    { return n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Watchdog() (bool, error) { return n.notify(daemon.SdNotifyWatchdog) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) (bool, error) { return n.notify("STATUS=" + s) }

// WatchdogInterval returns half of WATCHDOG_USEC, or 0 when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}
