package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"go.ntppool.org/common/logger"

	"go.ntppool.org/optimizer/store"
)

type blacklistCmd struct {
	List  blacklistListCmd  `cmd:"" default:"1" help:"List tracked servers"`
	Clear blacklistClearCmd `cmd:"" help:"Remove servers from the blacklist (all of them when none are named)"`
}

type blacklistListCmd struct {
	All bool `help:"Include servers below the failure threshold"`
}

func (cmd *blacklistListCmd) Run(ctx context.Context, cli *CLI) error {
	_, settings, err := cli.setup(ctx)
	if err != nil {
		return err
	}

	bl, err := store.OpenBlacklist(filepath.Join(settings.StateDir, store.BlacklistFile), settings.Blacklist)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tFAILURES\tLAST FAILURE\tBLACKLISTED")
	for _, e := range bl.Entries() {
		if !cmd.All && !e.Blacklisted() {
			continue
		}
		since := "-"
		if e.BlacklistedAt != nil {
			since = e.BlacklistedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Address, e.FailureCount, e.LastFailure.Format(time.RFC3339), since)
	}
	return w.Flush()
}

type blacklistClearCmd struct {
	Servers []string `arg:"" optional:"" help:"Servers to remove"`
}

func (cmd *blacklistClearCmd) Run(ctx context.Context, cli *CLI) error {
	ctx, settings, err := cli.setup(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(settings.StateDir, 0o755); err != nil {
		return err
	}
	// a running optimizer would write its own copy back
	lock, err := store.AcquireLock(filepath.Join(settings.StateDir, store.LockFile))
	if err != nil {
		return err
	}
	defer lock.Release()

	bl, err := store.OpenBlacklist(filepath.Join(settings.StateDir, store.BlacklistFile), settings.Blacklist)
	if err != nil {
		return err
	}
	n, err := bl.Clear(cmd.Servers...)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "cleared blacklist entries", "count", n)
	return nil
}
