package selector

import (
	"cmp"
	"math"
	"slices"

	"go.ntppool.org/optimizer/scorer"
)

// Rank returns a sorted copy of the results, best first.
func Rank(results []scorer.Result) []scorer.Result {
	ranked := slices.Clone(results)
	slices.SortStableFunc(ranked, func(a, b scorer.Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Measurement.Stratum, b.Measurement.Stratum); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Measurement.ReachabilityPct, a.Measurement.ReachabilityPct); c != 0 {
			return c
		}
		return cmp.Compare(a.Candidate.Address, b.Candidate.Address)
	})
	return ranked
}

// Filter splits the results into candidates inside the stratum band and
// those outside it. The current server is always kept.
func Filter(results []scorer.Result, band Band) (eligible, excluded []scorer.Result) {
	for _, r := range results {
		if r.Candidate.IsCurrent || band.Contains(r.Measurement.Stratum) {
			eligible = append(eligible, r)
			continue
		}
		excluded = append(excluded, r)
	}
	return eligible, excluded
}

// Gain is the relative improvement of best over current.
func Gain(best, current float64) float64 {
	if current <= 0 {
		return math.Inf(1)
	}
	return (best - current) / current
}

// Decide picks between keeping the current server and switching to the
// best scored candidate. It does no I/O.
func Decide(results []scorer.Result, current *scorer.Result, cfg Config) Decision {
	eligible, excluded := Filter(results, cfg.Stratum)
	d := Decision{
		Action:   Keep,
		Current:  current,
		Ranked:   Rank(eligible),
		Excluded: excluded,
	}

	if len(d.Ranked) == 0 {
		d.Reason = ReasonNoCandidates
		return d
	}

	best := d.Ranked[0]
	d.Best = &best

	if best.Score < cfg.MinScore {
		d.Reason = ReasonBelowMinimumScore
		return d
	}

	if best.Candidate.IsCurrent {
		d.Gain = 0
		d.Reason = ReasonWithinHysteresis
		return d
	}

	if current == nil {
		d.Gain = math.Inf(1)
	} else {
		d.Gain = Gain(best.Score, current.Score)
	}

	if d.Gain <= cfg.HysteresisPercent/100 {
		d.Reason = ReasonWithinHysteresis
		return d
	}

	d.Action = Switch
	d.Reason = ReasonImproved
	d.Chosen = &best
	return d
}
