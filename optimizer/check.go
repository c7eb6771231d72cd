package optimizer

import (
	"context"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"go.ntppool.org/optimizer/catalog"
	"go.ntppool.org/optimizer/probe"
	"go.ntppool.org/optimizer/scorer"
	"go.ntppool.org/optimizer/selector"
)

// Check measures and scores the given servers without touching the
// service configuration or the persisted state. The results are ranked;
// servers that did not answer are only in the measurements.
func (o *Optimizer) Check(ctx context.Context, addresses []string) ([]scorer.Result, []probe.Measurement) {
	ctx, span := tracing.Start(ctx, "check")
	defer span.End()

	region := o.deps.Region.Detect(ctx)

	seen := map[string]bool{}
	var candidates []catalog.Candidate
	for _, a := range addresses {
		addr := catalog.NormalizeAddress(a)
		if len(addr) == 0 || seen[addr] {
			continue
		}
		seen[addr] = true
		tag := catalog.RegionGlobal
		if region.Matches(addr) {
			tag = catalog.RegionLocal
		}
		candidates = append(candidates, catalog.Candidate{Address: addr, Region: tag})
	}

	opts := []probe.Option{probe.WithResolver(o.deps.Resolver)}
	if o.settings.Probe.DetectSecure {
		opts = append(opts, probe.WithSecureChecker(o.deps.Secure))
	}
	prober := probe.New(o.settings.Probe, o.deps.Querier, opts...)
	measurements := prober.ProbeAll(ctx, candidates)

	results, _ := scorer.ScoreAll(candidates, measurements, o.settings.Scoring)
	ranked := selector.Rank(results)

	log := logger.FromContext(ctx)
	for i, r := range ranked {
		m := r.Measurement
		log.InfoContext(ctx, "check",
			"rank", i+1,
			"server", r.Candidate.Address,
			"ip", m.IP,
			"offset_ms", round(m.OffsetMs),
			"jitter_ms", round(m.JitterMs),
			"rtt_ms", round(m.RTTMs),
			"stratum", m.Stratum,
			"reach_pct", round(m.ReachabilityPct),
			"secure", m.Secure,
			"score", r.Score,
			"sub_scores", r.SubScores,
		)
	}
	for _, m := range measurements {
		if !m.Reachable() {
			log.WarnContext(ctx, "no response", "server", m.Address, "err", m.Error)
		}
	}

	return ranked, measurements
}
