// Package probe measures candidate time servers. Each candidate gets a
// fixed number of timed queries which are reduced to a Measurement;
// unreachable servers are a normal outcome and never an error.
package probe

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"go.ntppool.org/optimizer/catalog"
)

type Config struct {
	Samples       int           `yaml:"samples"`
	Timeout       time.Duration `yaml:"timeout"`
	Headway       time.Duration `yaml:"headway"`
	Workers       int           `yaml:"workers"`
	DetectSecure  bool          `yaml:"detect_secure"`
	SecureTimeout time.Duration `yaml:"secure_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Samples: 3,
		Timeout: 5 * time.Second,
		// minimum headway time is 2 seconds, https://www.eecis.udel.edu/~mills/ntp/html/rate.html
		Headway:       2 * time.Second,
		Workers:       8,
		DetectSecure:  true,
		SecureTimeout: 5 * time.Second,
	}
}

// Sample is one successful query.
type Sample struct {
	Offset  time.Duration
	RTT     time.Duration
	Stratum int
}

// Querier is the time protocol primitive; one call is one query.
type Querier interface {
	Query(ctx context.Context, address string, timeout time.Duration) (Sample, error)
}

// Resolver pins a hostname to a single address for all samples of a
// measurement, so pool names are measured against one server.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// SecureChecker reports if a server offers authenticated time (NTS).
type SecureChecker interface {
	SupportsSecure(ctx context.Context, host string) bool
}

// FailureTracker receives the outcome of each measurement; it is how
// repeatedly failing servers end up on the blacklist.
type FailureTracker interface {
	RecordFailure(address string) (blacklisted bool)
	RecordSuccess(address string)
}

type Option func(*Prober)

func WithResolver(r Resolver) Option {
	return func(p *Prober) { p.resolver = r }
}

func WithSecureChecker(c SecureChecker) Option {
	return func(p *Prober) { p.secure = c }
}

func WithFailureTracker(t FailureTracker) Option {
	return func(p *Prober) { p.tracker = t }
}

type Prober struct {
	cfg      Config
	querier  Querier
	resolver Resolver
	secure   SecureChecker
	tracker  FailureTracker
}

// New returns a Prober. Without options it resolves names with DNS,
// does no secure transport detection and tracks no failures.
func New(cfg Config, q Querier, opts ...Option) *Prober {
	if cfg.Samples <= 0 {
		cfg.Samples = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Prober{
		cfg:      cfg,
		querier:  q,
		resolver: DNSResolver{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ProbeAll measures all candidates with at most Workers in flight. The
// result has the same order as candidates.
func (p *Prober) ProbeAll(ctx context.Context, candidates []catalog.Candidate) []Measurement {
	ctx, span := tracing.Start(ctx, "probe-all",
		trace.WithAttributes(attribute.Int("candidates", len(candidates))),
	)
	defer span.End()

	results := make([]Measurement, len(candidates))

	g := errgroup.Group{}
	g.SetLimit(p.cfg.Workers)

	for i, c := range candidates {
		g.Go(func() error {
			results[i] = p.Measure(ctx, c.Address, p.cfg.Samples, p.cfg.Timeout)
			return nil
		})
	}
	g.Wait()

	reachable := 0
	for _, m := range results {
		if m.Reachable() {
			reachable++
		}
	}
	span.SetAttributes(attribute.Int("reachable", reachable))

	return results
}

// Measure runs samples queries against address and reduces them to a
// Measurement.
func (p *Prober) Measure(ctx context.Context, address string, samples int, timeout time.Duration) Measurement {
	ctx, span := tracing.Start(ctx, "probe",
		trace.WithAttributes(attribute.String("server", address)),
	)
	defer span.End()

	log := logger.FromContext(ctx).With("server", address)

	m := Measurement{
		Address: address,
		Samples: samples,
	}

	ip, err := p.resolver.Resolve(ctx, address)
	if err != nil {
		log.DebugContext(ctx, "could not resolve server", "err", err)
		m.Error = err.Error()
		m.finish(nil)
		p.track(ctx, m)
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return m
	}
	m.IP = ip.String()

	var ok []Sample
	var lastErr error

	for i := 0; i < samples; i++ {
		if i > 0 && p.cfg.Headway > 0 {
			if err := sleep(ctx, p.cfg.Headway); err != nil {
				lastErr = err
				break
			}
		}

		s, err := p.querier.Query(ctx, m.IP, timeout)
		if err != nil {
			log.DebugContext(ctx, "ntp query error", "ip", m.IP, "iteration", i, "err", err)
			lastErr = err
			continue
		}
		log.DebugContext(ctx, "ntp query", "ip", m.IP, "iteration", i,
			"rtt", s.RTT.String(), "offset", s.Offset.String(), "stratum", s.Stratum)
		ok = append(ok, s)
	}

	// context cancellation counts the remaining samples as lost
	m.finish(ok)
	if lastErr != nil && len(ok) == 0 {
		m.Error = lastErr.Error()
	}

	if m.Reachable() && p.secure != nil && p.cfg.DetectSecure {
		m.Secure = p.secure.SupportsSecure(ctx, address)
	}

	p.track(ctx, m)

	if !m.Reachable() {
		span.RecordError(fmt.Errorf("no response: %s", m.Error))
		span.SetStatus(codes.Error, "unreachable")
	}
	span.SetAttributes(
		attribute.Float64("reachability", m.ReachabilityPct),
		attribute.Int("stratum", m.Stratum),
	)

	return m
}

func (p *Prober) track(ctx context.Context, m Measurement) {
	if p.tracker == nil {
		return
	}
	if m.Reachable() {
		p.tracker.RecordSuccess(m.Address)
		return
	}
	if p.tracker.RecordFailure(m.Address) {
		logger.FromContext(ctx).WarnContext(ctx, "server blacklisted after repeated failures", "server", m.Address)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
