package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.ntppool.org/common/logger"
)

// DefaultConfigPaths are the configuration files searched per kind.
var DefaultConfigPaths = map[Kind][]string{
	KindChrony:    {"/etc/chrony.conf", "/etc/chrony/chrony.conf"},
	KindNTPd:      {"/etc/ntp.conf", "/etc/ntpsec/ntp.conf"},
	KindTimesyncd: {"/etc/systemd/timesyncd.conf"},
}

type candidate struct {
	kind     Kind
	binaries []string
	units    []string
	active   bool // must be running to be chosen
}

// detection order: most capable service first
var detectOrder = []candidate{
	{KindChrony, []string{"chronyd", "chronyc"}, []string{"chronyd", "chrony"}, false},
	{KindNTPd, []string{"ntpd", "ntpq"}, []string{"ntpd", "ntp", "ntpsec"}, false},
	{KindTimesyncd, []string{"timedatectl"}, []string{"systemd-timesyncd"}, true},
}

// Detector picks the time service. The function fields replace the host
// lookups in tests.
type Detector struct {
	Config      Config
	Runner      Runner
	LookPath    func(string) (string, error)
	ConfigPaths map[Kind][]string
}

// Detect returns the profile of the first supported service present on
// the host, or ErrNoServiceFound.
func (d Detector) Detect(ctx context.Context) (Profile, error) {
	log := logger.FromContext(ctx)

	runner := d.Runner
	if runner == nil {
		runner = ExecRunner{Timeout: 30 * time.Second}
	}
	lookPath := d.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	paths := d.ConfigPaths
	if paths == nil {
		paths = DefaultConfigPaths
	}

	for _, c := range detectOrder {
		if !anyBinary(lookPath, c.binaries) {
			continue
		}

		path := firstExisting(paths[c.kind])
		if len(path) == 0 {
			log.DebugContext(ctx, "service installed but no config file found", "service", c.kind.String())
			continue
		}

		if c.active && !isActive(ctx, runner, c.units) {
			log.DebugContext(ctx, "service installed but not active", "service", c.kind.String())
			continue
		}

		b := base{
			kind:   c.kind,
			path:   path,
			units:  c.units,
			runner: runner,
			cfg:    d.Config,
		}

		log.InfoContext(ctx, "detected time service", "service", c.kind.String(), "config", path)

		switch c.kind {
		case KindChrony:
			return &chrony{b}, nil
		case KindNTPd:
			return &ntpd{b}, nil
		case KindTimesyncd:
			return &timesyncd{b}, nil
		}
	}

	return nil, fmt.Errorf("%w (looked for chronyd, ntpd and systemd-timesyncd)", ErrNoServiceFound)
}

func anyBinary(lookPath func(string) (string, error), names []string) bool {
	for _, n := range names {
		if _, err := lookPath(n); err == nil {
			return true
		}
	}
	return false
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

func isActive(ctx context.Context, runner Runner, units []string) bool {
	for _, u := range units {
		if _, err := runner.Run(ctx, "systemctl", "is-active", "--quiet", u); err == nil {
			return true
		}
	}
	return false
}
