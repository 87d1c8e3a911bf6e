package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"waitline/internal/runtime/supervisor"
	logx "waitline/pkg/logx"
)

// notifyReady tells systemd the engine is up and, when the unit configures a
// watchdog, starts the keepalive loop. Outside systemd both calls are no-ops.
func notifyReady(sup *supervisor.Supervisor, log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd_watchdog query failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}

	sup.Go("systemd.watchdog", func(ctx context.Context) error {
		tick := time.NewTicker(interval / 2)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn("sd_notify stopping failed", logx.Err(err))
	}
}
