package cmd

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"

	"go.ntppool.org/optimizer/metrics"
	"go.ntppool.org/optimizer/notify"
	"go.ntppool.org/optimizer/optimizer"
	"go.ntppool.org/optimizer/schedule"
	"go.ntppool.org/optimizer/service"
)

type runCmd struct {
	DryRun      bool   `help:"Compute and log the decision without changing anything" env:"NTP_OPTIMIZER_DRY_RUN"`
	NoSchedule  bool   `help:"Run once without installing the systemd timer"`
	Interval    int    `help:"Hours between scheduled runs" placeholder:"HOURS"`
	MetricsFile string `help:"Write metrics for the node_exporter textfile collector" type:"path" placeholder:"FILE"`
}

func (cmd *runCmd) Run(ctx context.Context, cli *CLI) error {
	ctx, settings, err := cli.setup(ctx)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "ntp-optimizer", "version", version.Version(), "dry_run", cmd.DryRun)

	if cmd.Interval > 0 {
		settings.Schedule.Interval = time.Duration(cmd.Interval) * time.Hour
	}

	reg := prometheus.NewRegistry()
	version.RegisterMetric("ntp_optimizer", reg)
	m := metrics.NewMetrics(reg)

	notifier, err := notify.New(ctx, settings.Notify)
	if err != nil {
		return err
	}
	defer notifier.Close()

	o := optimizer.New(settings, optimizer.Deps{
		Notifier: notifier,
		Metrics:  m,
	})
	_, runErr := o.Run(ctx, optimizer.Options{DryRun: cmd.DryRun})

	if len(cmd.MetricsFile) > 0 {
		if err := metrics.WriteTextfile(cmd.MetricsFile, reg); err != nil {
			log.WarnContext(ctx, "could not write metrics file", "path", cmd.MetricsFile, "err", err)
		}
	}

	if !cmd.NoSchedule && !cmd.DryRun {
		binary, err := os.Executable()
		if err == nil {
			_, err = schedule.InstallSystemd(ctx, service.ExecRunner{}, settings.Schedule, binary)
		}
		if err != nil {
			log.WarnContext(ctx, "could not install the periodic timer, use --no-schedule to skip", "err", err)
		}
	}

	return runErr
}
