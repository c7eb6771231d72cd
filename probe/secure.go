package probe

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.ntppool.org/common/logger"
)

const (
	ntsKEPort = "4460"
	ntsKEALPN = "ntske/1"
)

// NTSChecker detects NTS support by completing a TLS handshake with the
// NTS-KE service and checking the negotiated ALPN protocol.
type NTSChecker struct {
	Timeout time.Duration
}

func (c NTSChecker) SupportsSecure(ctx context.Context, host string) bool {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			ServerName: host,
			NextProtos: []string{ntsKEALPN},
			MinVersion: tls.VersionTLS13,
		},
	}

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, ntsKEPort))
	if err != nil {
		logger.FromContext(ctx).DebugContext(ctx, "no nts-ke", "server", host, "err", err)
		return false
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return false
	}
	return tlsConn.ConnectionState().NegotiatedProtocol == ntsKEALPN
}
