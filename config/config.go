// Package config aggregates the settings of every component. Settings are
// plain values; each component receives its own copy when constructed.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go.ntppool.org/optimizer/catalog"
	"go.ntppool.org/optimizer/mutator"
	"go.ntppool.org/optimizer/notify"
	"go.ntppool.org/optimizer/probe"
	"go.ntppool.org/optimizer/schedule"
	"go.ntppool.org/optimizer/scorer"
	"go.ntppool.org/optimizer/selector"
	"go.ntppool.org/optimizer/service"
	"go.ntppool.org/optimizer/store"
)

const DefaultStateDir = "/var/lib/ntp-optimizer"

type Settings struct {
	StateDir string `yaml:"state_dir"`

	Catalog   catalog.Config        `yaml:"catalog"`
	Probe     probe.Config          `yaml:"probe"`
	Scoring   scorer.Config         `yaml:"scoring"`
	Selection selector.Config       `yaml:"selection"`
	Service   service.Config        `yaml:"service"`
	Mutation  mutator.Config        `yaml:"mutation"`
	Blacklist store.BlacklistConfig `yaml:"blacklist"`
	History   store.HistoryConfig   `yaml:"history"`
	Notify    notify.Config         `yaml:"notify"`
	Schedule  schedule.Config       `yaml:"schedule"`
}

func Defaults() Settings {
	return Settings{
		Catalog:   catalog.DefaultConfig(),
		Probe:     probe.DefaultConfig(),
		Scoring:   scorer.DefaultConfig(),
		Selection: selector.DefaultConfig(),
		Service:   service.DefaultConfig(),
		Mutation:  mutator.DefaultConfig(),
		Blacklist: store.DefaultBlacklistConfig(),
		History:   store.DefaultHistoryConfig(),
		Schedule:  schedule.DefaultConfig(),
	}
}

// Load reads a YAML settings file over the defaults. An empty path
// returns the defaults.
func Load(path string) (Settings, error) {
	s := Defaults()
	if len(path) == 0 {
		return s, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("settings: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, fmt.Errorf("settings %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Validate reports every invalid setting at once.
func (s Settings) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	w := s.Scoring.Weights
	for _, wt := range []struct {
		name string
		v    float64
	}{
		{"jitter", w.Jitter},
		{"reachability", w.Reachability},
		{"stratum", w.Stratum},
		{"latency", w.Latency},
	} {
		if wt.v < 0 {
			add("scoring.weights.%s is negative", wt.name)
		}
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		add("scoring.weights sum to %g, not 1", w.Sum())
	}
	if s.Scoring.RegionalBonus <= 0 {
		add("scoring.regional_bonus must be positive")
	}

	if s.Probe.Samples <= 0 {
		add("probe.samples must be positive")
	}
	if s.Probe.Timeout <= 0 {
		add("probe.timeout must be positive")
	}
	if s.Probe.Headway < 0 {
		add("probe.headway is negative")
	}
	if s.Probe.Workers <= 0 {
		add("probe.workers must be positive")
	}

	if s.Catalog.MaxServers <= 0 {
		add("catalog.max_servers must be positive")
	}

	if s.Selection.HysteresisPercent < 0 {
		add("selection.hysteresis_percent is negative")
	}
	if s.Selection.MinScore < 0 {
		add("selection.min_score is negative")
	}
	if st := s.Selection.Stratum; st.Min < 0 || st.Min > st.Max {
		add("selection.stratum %d-%d is empty", st.Min, st.Max)
	}

	band := s.Service.VerifyBand
	if band.Min > band.Max || band.Max < 0 {
		add("service.verify_band %d-%d is empty", band.Min, band.Max)
	}
	if s.Service.PollInterval <= 0 {
		add("service.poll_interval must be positive")
	}
	if s.Mutation.VerifyTimeout <= 0 {
		add("mutation.verify_timeout must be positive")
	}

	if s.Blacklist.Threshold <= 0 {
		add("blacklist.threshold must be positive")
	}
	if s.Blacklist.Expiry < 0 {
		add("blacklist.expiry is negative")
	}

	switch s.History.Backend {
	case "", store.BackendJSONL, store.BackendSQLite:
	default:
		add("history.backend %q is not one of %s, %s", s.History.Backend, store.BackendJSONL, store.BackendSQLite)
	}

	if s.Schedule.Interval < time.Minute {
		add("schedule.interval must be at least a minute")
	}

	return errors.Join(errs...)
}

// ResolveStateDir picks the state directory: the explicit value, then
// $NTP_OPTIMIZER_STATE_DIR, then systemd's $STATE_DIRECTORY, then
// DefaultStateDir.
func ResolveStateDir(explicit string) string {
	if len(explicit) > 0 {
		return explicit
	}
	if dir := os.Getenv("NTP_OPTIMIZER_STATE_DIR"); len(dir) > 0 {
		return dir
	}
	if dir := os.Getenv("STATE_DIRECTORY"); len(dir) > 0 {
		// systemd can pass a colon separated list
		dir, _, _ = strings.Cut(dir, ":")
		return filepath.Clean(dir)
	}
	return DefaultStateDir
}
