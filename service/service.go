// Package service finds the time synchronisation daemon on the host and
// exposes its configuration file and control verbs behind the Profile
// interface. One implementation exists per daemon kind; the kind is
// chosen once by the Detector.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"go.ntppool.org/common/logger"
)

// ErrNoServiceFound is returned when no supported time service is
// installed.
var ErrNoServiceFound = errors.New("no supported time sync service found")

type Kind uint8

const (
	KindChrony Kind = iota + 1
	KindNTPd
	KindTimesyncd
)

func (k Kind) String() string {
	switch k {
	case KindChrony:
		return "chronyd"
	case KindNTPd:
		return "ntpd"
	case KindTimesyncd:
		return "systemd-timesyncd"
	}
	return "unknown"
}

// Profile is the capability set of a time service.
type Profile interface {
	Kind() Kind
	ConfigPath() string

	// CurrentPeer returns the configured peer, or "" when there is none.
	CurrentPeer(ctx context.Context) (string, error)

	// ApplyPeer rewrites the active peer directive; all other lines in
	// the configuration file are kept as they are.
	ApplyPeer(ctx context.Context, address string, secure bool) error

	Restart(ctx context.Context) error

	// Verify polls the service until the peer it synchronises to has a
	// stratum inside the acceptable band or the timeout expires. It
	// returns the last seen peer stratum.
	Verify(ctx context.Context, timeout time.Duration) (int, bool)

	// SupportsSecure reports if the service can use authenticated time
	// (NTS) for a peer.
	SupportsSecure() bool
}

// Band is an inclusive stratum range.
type Band struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (b Band) Contains(stratum int) bool {
	return stratum >= b.Min && stratum <= b.Max
}

type Config struct {
	// VerifyBand is the accepted stratum of the selected peer, not of
	// the host itself.
	VerifyBand   Band          `yaml:"verify_band"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		VerifyBand:   Band{Min: 1, Max: 3},
		PollInterval: 2 * time.Second,
	}
}

// base has what the service kinds share: a config file, systemd units
// and the stratum polling loop.
type base struct {
	kind   Kind
	path   string
	units  []string
	runner Runner
	cfg    Config
}

func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) ConfigPath() string {
	return b.path
}

// Restart restarts the first unit name systemd accepts; distributions
// name the chrony and ntp units differently.
func (b *base) Restart(ctx context.Context) error {
	var errs []error
	for _, unit := range b.units {
		_, err := b.runner.Run(ctx, "systemctl", "restart", unit)
		if err == nil {
			logger.FromContext(ctx).InfoContext(ctx, "restarted time service", "unit", unit)
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("restart %s: %w", b.kind, errors.Join(errs...))
}

func (b *base) rewrite(fn func([]byte) []byte) error {
	content, err := os.ReadFile(b.path)
	if err != nil {
		return err
	}
	return ReplaceFile(b.path, fn(content))
}

// peerStratum converts the stratum a daemon reports for the host into
// the stratum of its selected peer. Stratum 0 and 16 mean the host is
// not synchronised; 1 means it follows a local reference clock.
func peerStratum(host int) (int, error) {
	if host <= 1 || host >= 16 {
		return 0, fmt.Errorf("host stratum %d: not synchronised to a peer", host)
	}
	return host - 1, nil
}

func (b *base) poll(ctx context.Context, timeout time.Duration, read func(context.Context) (int, error)) (int, bool) {
	log := logger.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = interval
	expback.MaxInterval = 5 * interval

	last := 0
	_, err := backoff.Retry(ctx, func() (int, error) {
		stratum, err := read(ctx)
		if err != nil {
			log.DebugContext(ctx, "verify: no stratum yet", "service", b.kind.String(), "err", err)
			return 0, err
		}
		last = stratum
		if !b.cfg.VerifyBand.Contains(stratum) {
			return stratum, fmt.Errorf("stratum %d outside %d-%d",
				stratum, b.cfg.VerifyBand.Min, b.cfg.VerifyBand.Max)
		}
		return stratum, nil
	},
		backoff.WithBackOff(expback),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		log.WarnContext(ctx, "verify failed", "service", b.kind.String(), "stratum", last, "err", err)
		return last, false
	}
	return last, true
}
