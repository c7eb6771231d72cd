package selector

import (
	"go.ntppool.org/optimizer/scorer"
)

// Action is the outcome of a decision
type Action uint8

const (
	Keep Action = iota
	Switch
)

func (a Action) String() string {
	switch a {
	case Switch:
		return "switch"
	default:
		return "keep"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Reason explains the decision
type Reason uint8

const (
	ReasonNoCandidates      Reason = iota // nothing was reachable
	ReasonBelowMinimumScore               // best candidate is not good enough
	ReasonWithinHysteresis                // improvement too small to switch
	ReasonImproved                        // switching to a better server
)

func (r Reason) String() string {
	switch r {
	case ReasonNoCandidates:
		return "no_candidates"
	case ReasonBelowMinimumScore:
		return "below_minimum_score"
	case ReasonWithinHysteresis:
		return "within_hysteresis"
	case ReasonImproved:
		return "improved"
	}
	return "unknown"
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Band is an inclusive stratum range. The zero value accepts any
// stratum.
type Band struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (b Band) Contains(stratum int) bool {
	if b == (Band{}) {
		return true
	}
	return stratum >= b.Min && stratum <= b.Max
}

type Config struct {
	MinScore          float64 `yaml:"min_score"`
	HysteresisPercent float64 `yaml:"hysteresis_percent"`

	// Stratum limits which servers may be switched to. The current
	// server is compared whatever its stratum.
	Stratum Band `yaml:"stratum"`
}

func DefaultConfig() Config {
	return Config{
		MinScore:          60,
		HysteresisPercent: 15,
		Stratum:           Band{Min: 1, Max: 3},
	}
}

// Decision is the result of Decide. Chosen is only set for Switch.
type Decision struct {
	Action  Action
	Reason  Reason
	Chosen  *scorer.Result
	Best    *scorer.Result
	Current *scorer.Result

	// Gain is the relative improvement of Best over Current (0.2 is
	// 20%); +Inf when there is no usable current score.
	Gain float64

	// Ranked is the scored list in decision order.
	Ranked []scorer.Result

	// Excluded has the candidates left out for their stratum.
	Excluded []scorer.Result
}
