package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "acqd/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol. Outside systemd every call is a
// no-op because NOTIFY_SOCKET is unset.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n sdNotifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n sdNotifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// keepAlive pings the systemd watchdog at half its interval until ctx ends.
// It returns immediately when WatchdogSec is not configured for the unit.
func (n sdNotifier) keepAlive(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
