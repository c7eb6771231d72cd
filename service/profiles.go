package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type chrony struct {
	base
}

func (c *chrony) SupportsSecure() bool { return true }

func (c *chrony) CurrentPeer(ctx context.Context) (string, error) {
	content, err := os.ReadFile(c.path)
	if err != nil {
		return "", err
	}
	return FirstServer(content), nil
}

func (c *chrony) ApplyPeer(ctx context.Context, address string, secure bool) error {
	return c.rewrite(func(b []byte) []byte {
		return RewriteServers(b, ServerLine(address, secure))
	})
}

func (c *chrony) Verify(ctx context.Context, timeout time.Duration) (int, bool) {
	return c.poll(ctx, timeout, func(ctx context.Context) (int, error) {
		out, err := c.runner.Run(ctx, "chronyc", "-c", "tracking")
		if err != nil {
			return 0, err
		}
		host, err := ParseChronyTracking(out)
		if err != nil {
			return 0, err
		}
		return peerStratum(host)
	})
}

// ParseChronyTracking reads the host's own stratum from `chronyc -c
// tracking` (reference id, name, stratum, ...).
func ParseChronyTracking(out []byte) (int, error) {
	r := csv.NewReader(strings.NewReader(strings.TrimSpace(string(out))))
	r.FieldsPerRecord = -1
	rec, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("chronyc tracking: %w", err)
	}
	if len(rec) < 3 {
		return 0, fmt.Errorf("chronyc tracking: short record %q", out)
	}
	return strconv.Atoi(strings.TrimSpace(rec[2]))
}

type ntpd struct {
	base
}

func (n *ntpd) SupportsSecure() bool { return false }

func (n *ntpd) CurrentPeer(ctx context.Context) (string, error) {
	content, err := os.ReadFile(n.path)
	if err != nil {
		return "", err
	}
	return FirstServer(content), nil
}

func (n *ntpd) ApplyPeer(ctx context.Context, address string, secure bool) error {
	// classic ntpd has no nts option
	return n.rewrite(func(b []byte) []byte {
		return RewriteServers(b, ServerLine(address, false))
	})
}

func (n *ntpd) Verify(ctx context.Context, timeout time.Duration) (int, bool) {
	return n.poll(ctx, timeout, func(ctx context.Context) (int, error) {
		out, err := n.runner.Run(ctx, "ntpq", "-c", "rv 0 stratum")
		if err != nil {
			return 0, err
		}
		host, err := ParseNTPQStratum(out)
		if err != nil {
			return 0, err
		}
		return peerStratum(host)
	})
}

var ntpqStratumRE = regexp.MustCompile(`stratum=(\d+)`)

// ParseNTPQStratum reads the system stratum of ntpd.
func ParseNTPQStratum(out []byte) (int, error) {
	m := ntpqStratumRE.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("ntpq: no stratum in %q", strings.TrimSpace(string(out)))
	}
	return strconv.Atoi(string(m[1]))
}

type timesyncd struct {
	base
}

func (t *timesyncd) SupportsSecure() bool { return false }

func (t *timesyncd) CurrentPeer(ctx context.Context) (string, error) {
	out, err := t.runner.Run(ctx, "timedatectl", "show-timesync", "--property=ServerName", "--value")
	if err == nil {
		if name := strings.TrimSpace(string(out)); len(name) > 0 {
			return name, nil
		}
	}
	content, err := os.ReadFile(t.path)
	if err != nil {
		return "", err
	}
	return TimesyncdServer(content), nil
}

func (t *timesyncd) ApplyPeer(ctx context.Context, address string, secure bool) error {
	return t.rewrite(func(b []byte) []byte {
		return RewriteTimesyncd(b, address)
	})
}

func (t *timesyncd) Verify(ctx context.Context, timeout time.Duration) (int, bool) {
	return t.poll(ctx, timeout, func(ctx context.Context) (int, error) {
		out, err := t.runner.Run(ctx, "timedatectl", "timesync-status")
		if err != nil {
			return 0, err
		}
		return ParseTimesyncStatus(out)
	})
}

// ParseTimesyncStatus reads the "Stratum:" line of `timedatectl
// timesync-status`, which is the server's stratum. It is missing until
// the first reply was received.
func ParseTimesyncStatus(out []byte) (int, error) {
	for _, l := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(l), "Stratum:"); ok {
			return strconv.Atoi(strings.TrimSpace(v))
		}
	}
	return 0, fmt.Errorf("timesync-status: not synchronized")
}
