package probe

import (
	"math"
	"time"
)

// UnreachableStratum is reported for servers that never answered.
const UnreachableStratum = 16

// Measurement is the reduced result of probing one server during a run.
// When ReachabilityPct is 0 the offset, jitter and stratum fields carry
// no information and the server is not scored.
type Measurement struct {
	Address         string  `json:"address"`
	IP              string  `json:"ip,omitempty"`
	OffsetMs        float64 `json:"offset_ms"`
	JitterMs        float64 `json:"jitter_ms"`
	RTTMs           float64 `json:"rtt_ms"`
	Stratum         int     `json:"stratum"`
	ReachabilityPct float64 `json:"reachability_pct"`
	Samples         int     `json:"samples"`
	Successes       int     `json:"successes"`
	Secure          bool    `json:"secure,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func (m Measurement) Reachable() bool {
	return m.Successes > 0
}

// finish fills in the statistics from the successful samples. Offset is
// the mean, jitter the sample standard deviation of the offsets (0 with
// fewer than two samples) and the stratum comes from the last sample.
func (m *Measurement) finish(ok []Sample) {
	m.Successes = len(ok)
	if m.Samples > 0 {
		m.ReachabilityPct = float64(len(ok)) / float64(m.Samples) * 100
	}

	if len(ok) == 0 {
		m.OffsetMs = 0
		m.JitterMs = 0
		m.RTTMs = 0
		m.Stratum = UnreachableStratum
		return
	}

	offsets := make([]float64, len(ok))
	var rtt float64
	for i, s := range ok {
		offsets[i] = ms(s.Offset)
		rtt += ms(s.RTT)
	}

	m.OffsetMs = mean(offsets)
	m.JitterMs = stddev(offsets)
	m.RTTMs = rtt / float64(len(ok))
	m.Stratum = ok[len(ok)-1].Stratum
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stddev(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	avg := mean(v)
	var sq float64
	for _, x := range v {
		sq += (x - avg) * (x - avg)
	}
	return math.Sqrt(sq / float64(len(v)-1))
}
