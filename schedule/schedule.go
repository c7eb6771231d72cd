// Package schedule runs the optimizer periodically, either through a
// systemd timer installed by InstallSystemd or in-process with Daemon.
package schedule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MakeNowJust/heredoc"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/optimizer/service"
)

const unitName = "ntp-optimizer"

type Config struct {
	Interval time.Duration `yaml:"interval"`
	UnitDir  string        `yaml:"unit_dir"`
}

func DefaultConfig() Config {
	return Config{
		Interval: 6 * time.Hour,
		UnitDir:  "/etc/systemd/system",
	}
}

var serviceTemplate = heredoc.Doc(`
	[Unit]
	Description=NTP server optimizer
	Wants=network-online.target
	After=network-online.target

	[Service]
	Type=oneshot
	ExecStart=%s run --no-schedule
	StateDirectory=ntp-optimizer
	TimeoutStartSec=15min
`)

var timerTemplate = heredoc.Doc(`
	[Unit]
	Description=Run the NTP server optimizer every %s

	[Timer]
	OnBootSec=5min
	OnUnitActiveSec=%s
	Persistent=true

	[Install]
	WantedBy=timers.target
`)

// Units returns the service and timer unit files.
func Units(binary string, interval time.Duration) (svc, timer string) {
	span := timeSpan(interval)
	return fmt.Sprintf(serviceTemplate, binary), fmt.Sprintf(timerTemplate, span, span)
}

// timeSpan formats d the way systemd.time(7) spells it.
func timeSpan(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dmin", d/time.Minute)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}

// InstallSystemd writes the unit files and enables the timer. Units that
// are already up to date are left alone and systemd is not reloaded.
func InstallSystemd(ctx context.Context, runner service.Runner, cfg Config, binary string) (bool, error) {
	log := logger.FromContext(ctx)

	if !filepath.IsAbs(binary) {
		return false, fmt.Errorf("schedule: binary path %q is not absolute", binary)
	}

	svc, timer := Units(binary, cfg.Interval)

	changed := false
	for _, unit := range []struct{ name, content string }{
		{unitName + ".service", svc},
		{unitName + ".timer", timer},
	} {
		path := filepath.Join(cfg.UnitDir, unit.name)
		old, err := os.ReadFile(path)
		if err == nil && string(old) == unit.content {
			continue
		}
		if err := service.ReplaceFile(path, []byte(unit.content)); err != nil {
			return false, fmt.Errorf("schedule: writing %s: %w", path, err)
		}
		log.InfoContext(ctx, "installed systemd unit", "path", path)
		changed = true
	}

	if !changed {
		log.DebugContext(ctx, "systemd units up to date", "interval", cfg.Interval)
		return false, nil
	}

	if _, err := runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return true, fmt.Errorf("schedule: daemon-reload: %w", err)
	}
	if _, err := runner.Run(ctx, "systemctl", "enable", "--now", unitName+".timer"); err != nil {
		return true, fmt.Errorf("schedule: enabling timer: %w", err)
	}
	log.InfoContext(ctx, "scheduled periodic runs", "interval", cfg.Interval)
	return true, nil
}
