package cmd

import (
	"context"
	"time"

	"go.ntppool.org/common/logger"

	"go.ntppool.org/optimizer/optimizer"
)

type checkCmd struct {
	Servers []string `arg:"" help:"Servers to measure"`
}

func (cmd *checkCmd) Run(ctx context.Context, cli *CLI) error {
	ctx, settings, err := cli.setup(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	o := optimizer.New(settings, optimizer.Deps{})
	ranked, _ := o.Check(ctx, cmd.Servers)

	logger.FromContext(ctx).InfoContext(ctx, "check done", "servers", len(cmd.Servers), "reachable", len(ranked))
	if len(ranked) == 0 {
		return optimizer.ErrNoViableCandidates
	}
	return nil
}
