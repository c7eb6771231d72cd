// Package cmd has the ntp-optimizer command line interface.
package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"go.ntppool.org/common/logger"

	"go.ntppool.org/optimizer/config"
)

type CLI struct {
	Debug    bool             `help:"Enable debug logging" env:"NTP_OPTIMIZER_DEBUG"`
	Config   string           `help:"Settings file (YAML)" type:"path" placeholder:"FILE" env:"NTP_OPTIMIZER_CONFIG"`
	StateDir string           `help:"Directory for the blacklist, history and lock file ($NTP_OPTIMIZER_STATE_DIR, $STATE_DIRECTORY)" type:"path" placeholder:"DIR"`
	Version  kong.VersionFlag `help:"Show version and exit"`

	Run       runCmd       `cmd:"" default:"withargs" help:"Evaluate servers and switch when it is worth it (default)"`
	Daemon    daemonCmd    `cmd:"" help:"Run periodically in the foreground"`
	Check     checkCmd     `cmd:"" help:"Measure and score servers without changing anything"`
	Blacklist blacklistCmd `cmd:"" help:"Show or clear blacklisted servers"`
}

// AfterApply makes the global flags available to the commands.
func (c *CLI) AfterApply(kctx *kong.Context) error {
	kctx.Bind(c)
	return nil
}

// setup installs the logger and loads the settings. The state directory
// is the flag, then $NTP_OPTIMIZER_STATE_DIR, then the settings file,
// then systemd's $STATE_DIRECTORY.
func (c *CLI) setup(ctx context.Context) (context.Context, config.Settings, error) {
	log := logger.Setup()
	if c.Debug {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	ctx = logger.NewContext(ctx, log)

	settings, err := config.Load(c.Config)
	if err != nil {
		return ctx, settings, err
	}

	dir := c.StateDir
	if len(dir) == 0 && len(os.Getenv("NTP_OPTIMIZER_STATE_DIR")) == 0 {
		dir = settings.StateDir
	}
	settings.StateDir = config.ResolveStateDir(dir)

	log.DebugContext(ctx, "settings loaded", "config", c.Config, "state_dir", settings.StateDir)
	return ctx, settings, nil
}
