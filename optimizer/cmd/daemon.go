package cmd

import (
	"context"
	"sync/atomic"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/version"

	"go.ntppool.org/optimizer/config"
	"go.ntppool.org/optimizer/metrics"
	"go.ntppool.org/optimizer/notify"
	"go.ntppool.org/optimizer/optimizer"
	"go.ntppool.org/optimizer/schedule"
)

type daemonCmd struct {
	DryRun      bool `help:"Compute and log decisions without changing anything" env:"NTP_OPTIMIZER_DRY_RUN"`
	Interval    int  `help:"Hours between runs, overrides the settings file" placeholder:"HOURS"`
	MetricsPort int  `help:"Port for the Prometheus metrics endpoint (0 to disable)" default:"9107"`
}

func (cmd *daemonCmd) Run(ctx context.Context, cli *CLI) error {
	ctx, settings, err := cli.setup(ctx)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "starting daemon", "version", version.Version(), "dry_run", cmd.DryRun)

	interval := func(s config.Settings) time.Duration {
		if cmd.Interval > 0 {
			return time.Duration(cmd.Interval) * time.Hour
		}
		return s.Schedule.Interval
	}

	metricssrv := metricsserver.New()
	version.RegisterMetric("ntp_optimizer", metricssrv.Registry())
	if cmd.MetricsPort > 0 {
		go func() {
			if err := metricssrv.ListenAndServe(ctx, cmd.MetricsPort); err != nil {
				log.Error("metrics server error", "err", err)
			}
		}()
	}
	m := metrics.NewMetrics(metricssrv.Registry())

	notifier, err := notify.New(ctx, settings.Notify)
	if err != nil {
		return err
	}
	defer notifier.Close()

	deps := optimizer.Deps{Notifier: notifier, Metrics: m}

	var current atomic.Pointer[optimizer.Optimizer]
	current.Store(optimizer.New(settings, deps))

	d := &schedule.Daemon{
		Interval: interval(settings),
		Job: func(ctx context.Context) error {
			_, err := current.Load().Run(ctx, optimizer.Options{DryRun: cmd.DryRun})
			return err
		},
		WatchFile: cli.Config,
		Reload: func(ctx context.Context) (time.Duration, error) {
			s, err := config.Load(cli.Config)
			if err != nil {
				return 0, err
			}
			// the state directory and notification sinks stay as
			// they were at startup
			s.StateDir = settings.StateDir
			current.Store(optimizer.New(s, deps))
			log.InfoContext(ctx, "settings reloaded", "config", cli.Config)
			return interval(s), nil
		},
	}
	return d.Run(ctx)
}
