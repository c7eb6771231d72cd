package probe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/beevik/ntp"
	"go4.org/netipx"
)

// NTPQuerier queries servers with the NTP client protocol.
type NTPQuerier struct {
	// LocalAddress optionally binds the queries to a local IP
	LocalAddress string
}

func (q NTPQuerier) Query(ctx context.Context, address string, timeout time.Duration) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	opts := ntp.QueryOptions{
		Timeout:      timeout,
		LocalAddress: q.LocalAddress,
	}

	resp, err := ntp.QueryWithOptions(address, opts)
	if err != nil {
		return Sample{}, err
	}

	// kiss-of-death, unsynchronized and stratum 0/16 answers are failures
	if err := resp.Validate(); err != nil {
		if len(resp.KissCode) > 0 {
			return Sample{}, fmt.Errorf("kiss code %s: %w", resp.KissCode, err)
		}
		return Sample{}, err
	}

	return Sample{
		Offset:  resp.ClockOffset,
		RTT:     resp.RTT,
		Stratum: int(resp.Stratum),
	}, nil
}

// DNSResolver resolves names with the system resolver and returns the
// first usable address. IP literals are returned as-is.
type DNSResolver struct{}

func (DNSResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}

	var fallback netip.Addr
	for _, dnsIP := range ips {
		ip, ok := netipx.FromStdIP(dnsIP)
		if !ok || !ip.IsValid() {
			continue
		}
		if ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		if ip.Is4() {
			return ip, nil
		}
		if !fallback.IsValid() {
			fallback = ip
		}
	}
	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, fmt.Errorf("no usable address for %s", host)
}
