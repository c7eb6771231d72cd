// Package scorer converts probe measurements into comparable 0-100 scores.
//
// Each metric is mapped to a sub-score by a monotonic piecewise linear
// function; the composite is the weighted sum of the sub-scores, with a
// multiplier for servers in the host's own region.
package scorer

import (
	"math"

	"go.ntppool.org/optimizer/catalog"
	"go.ntppool.org/optimizer/probe"
)

// Weights for the sub-scores. They are expected to sum to 1.
type Weights struct {
	Jitter       float64 `yaml:"jitter"`
	Reachability float64 `yaml:"reachability"`
	Stratum      float64 `yaml:"stratum"`
	Latency      float64 `yaml:"latency"`
}

func (w Weights) Sum() float64 {
	return w.Jitter + w.Reachability + w.Stratum + w.Latency
}

type Config struct {
	Weights       Weights `yaml:"weights"`
	RegionalBonus float64 `yaml:"regional_bonus"`

	// Clamp caps the composite at 100 after the regional bonus. Without
	// it a regional server can score up to 100*RegionalBonus.
	Clamp bool `yaml:"clamp"`
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Jitter:       0.35,
			Reachability: 0.30,
			Stratum:      0.25,
			Latency:      0.10,
		},
		RegionalBonus: 1.05,
		Clamp:         true,
	}
}

// SubScores is the per-metric breakdown, each 0-100.
type SubScores struct {
	Jitter       float64 `json:"jitter"`
	Reachability float64 `json:"reachability"`
	Stratum      float64 `json:"stratum"`
	Latency      float64 `json:"latency"`
}

// Result is a scored candidate.
type Result struct {
	Candidate   catalog.Candidate `json:"candidate"`
	Measurement probe.Measurement `json:"measurement"`
	Score       float64           `json:"score"`
	SubScores   SubScores         `json:"sub_scores"`
	Regional    bool              `json:"regional,omitempty"`
}

// piecewise curve breakpoints, in milliseconds
const (
	offsetBest = 2.0
	offsetZero = 50.0
	jitterBest = 1.0
	jitterZero = 20.0
)

// linearDown is 100 at or below best, 0 at or above zero and linear
// in between.
func linearDown(v, best, zero float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= best:
		return 100
	case v >= zero:
		return 0
	}
	return 100 * (zero - v) / (zero - best)
}

func LatencyScore(offsetMs float64) float64 {
	return linearDown(math.Abs(offsetMs), offsetBest, offsetZero)
}

func JitterScore(jitterMs float64) float64 {
	return linearDown(jitterMs, jitterBest, jitterZero)
}

// StratumScore is 100 for stratum 1 and 2 and drops 20 points per level
// after that; stratum 7 and up (and invalid strata) score 0.
func StratumScore(stratum int) float64 {
	switch {
	case stratum <= 0 || stratum >= probe.UnreachableStratum:
		return 0
	case stratum <= 2:
		return 100
	}
	return math.Max(0, 100-20*float64(stratum-2))
}

func ReachabilityScore(pct float64) float64 {
	return math.Max(0, math.Min(100, pct))
}

// Score computes the composite score for one measurement. It has no side
// effects; identical input gives identical output.
func Score(c catalog.Candidate, m probe.Measurement, cfg Config) Result {
	r := Result{
		Candidate:   c,
		Measurement: m,
		Regional:    c.Region == catalog.RegionLocal,
	}
	if !m.Reachable() {
		return r
	}

	r.SubScores = SubScores{
		Jitter:       JitterScore(m.JitterMs),
		Reachability: ReachabilityScore(m.ReachabilityPct),
		Stratum:      StratumScore(m.Stratum),
		Latency:      LatencyScore(m.OffsetMs),
	}

	w := cfg.Weights
	score := w.Jitter*r.SubScores.Jitter +
		w.Reachability*r.SubScores.Reachability +
		w.Stratum*r.SubScores.Stratum +
		w.Latency*r.SubScores.Latency

	if r.Regional && cfg.RegionalBonus > 0 {
		score *= cfg.RegionalBonus
	}
	if cfg.Clamp {
		score = math.Min(100, score)
	}

	r.Score = math.Round(score*100) / 100
	return r
}

// ScoreAll scores the reachable measurements. measurements[i] belongs to
// candidates[i]; unreachable servers are left out. The current peer's
// result is returned separately (nil if it was not measured or did not
// respond) and is also part of the scored list when reachable.
func ScoreAll(candidates []catalog.Candidate, measurements []probe.Measurement, cfg Config) ([]Result, *Result) {
	var results []Result
	var current *Result

	for i, c := range candidates {
		if i >= len(measurements) {
			break
		}
		m := measurements[i]
		if !m.Reachable() {
			continue
		}
		r := Score(c, m, cfg)
		results = append(results, r)
		if c.IsCurrent {
			cur := r
			current = &cur
		}
	}
	return results, current
}
