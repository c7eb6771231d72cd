// Package optimizer runs the full optimization pipeline: detect the time
// sync service, build and probe the candidate list, score and rank the
// results, decide, and switch the configured server when it is worth it.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"go.ntppool.org/optimizer/catalog"
	"go.ntppool.org/optimizer/config"
	"go.ntppool.org/optimizer/metrics"
	"go.ntppool.org/optimizer/mutator"
	"go.ntppool.org/optimizer/notify"
	"go.ntppool.org/optimizer/probe"
	"go.ntppool.org/optimizer/scorer"
	"go.ntppool.org/optimizer/selector"
	"go.ntppool.org/optimizer/service"
	"go.ntppool.org/optimizer/store"
)

// ErrNoViableCandidates means no candidate answered; the configuration is
// left alone.
var ErrNoViableCandidates = errors.New("no viable candidates")

type ServiceDetector interface {
	Detect(ctx context.Context) (service.Profile, error)
}

type RegionDetector interface {
	Detect(ctx context.Context) catalog.Region
}

// Deps are the host facing collaborators. Nil fields get the real
// implementation.
type Deps struct {
	Services ServiceDetector
	Region   RegionDetector
	Source   catalog.Source
	Querier  probe.Querier
	Resolver probe.Resolver
	Secure   probe.SecureChecker
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

type Options struct {
	// DryRun computes and logs the decision without touching the
	// service, its configuration or the persisted state.
	DryRun bool
}

// Report describes one run.
type Report struct {
	RunID        string
	Timestamp    time.Time
	Region       catalog.Region
	Service      service.Kind
	Current      string
	Candidates   []catalog.Candidate
	Measurements []probe.Measurement
	Decision     selector.Decision
	Mutation     *mutator.Result
	DryRun       bool
}

// Reachable is the number of candidates that answered.
func (r *Report) Reachable() int {
	n := 0
	for _, m := range r.Measurements {
		if m.Reachable() {
			n++
		}
	}
	return n
}

type Optimizer struct {
	settings config.Settings
	deps     Deps
	hostname string

	// runs in one process are sequential; the lock file covers other
	// processes
	mu sync.Mutex
}

func New(settings config.Settings, deps Deps) *Optimizer {
	if len(settings.StateDir) == 0 {
		settings.StateDir = config.DefaultStateDir
	}
	if deps.Services == nil {
		deps.Services = service.Detector{Config: settings.Service}
	}
	if deps.Region == nil {
		deps.Region = catalog.RegionDetector{}
	}
	if deps.Source == nil {
		deps.Source = catalog.NewFetcher(settings.Catalog.Sources, settings.StateDir)
	}
	if deps.Querier == nil {
		deps.Querier = probe.NTPQuerier{}
	}
	if deps.Resolver == nil {
		deps.Resolver = probe.DNSResolver{}
	}
	if deps.Secure == nil {
		deps.Secure = probe.NTSChecker{Timeout: settings.Probe.SecureTimeout}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	host, _ := os.Hostname()
	return &Optimizer{settings: settings, deps: deps, hostname: host}
}

func (o *Optimizer) Settings() config.Settings {
	return o.settings
}

// Run executes one optimization run. Fatal conditions are returned and
// sent to the notifier; a Keep decision or a rolled back switch is not an
// error.
func (o *Optimizer) Run(ctx context.Context, opts Options) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	report := &Report{
		RunID:     ulid.Make().String(),
		Timestamp: start.UTC(),
		DryRun:    opts.DryRun,
	}

	ctx, span := tracing.Start(ctx, "optimizer-run",
		trace.WithAttributes(
			attribute.String("run_id", report.RunID),
			attribute.Bool("dry_run", opts.DryRun),
		),
	)
	defer span.End()

	log := logger.FromContext(ctx).With("run_id", report.RunID)
	ctx = logger.NewContext(ctx, log)

	err := o.run(ctx, opts, report)

	if o.deps.Metrics != nil {
		o.deps.Metrics.TrackRun(start, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorContext(ctx, "run failed", "err", err)
		o.notify(ctx, notify.Event{
			ID:       report.RunID,
			Kind:     notify.KindError,
			Previous: report.Current,
			Error:    err.Error(),
		})
		return report, err
	}

	log.InfoContext(ctx, "run done",
		"action", report.Decision.Action,
		"reason", report.Decision.Reason,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return report, nil
}

func (o *Optimizer) run(ctx context.Context, opts Options, report *Report) error {
	log := logger.FromContext(ctx)
	s := o.settings

	if !opts.DryRun {
		if err := os.MkdirAll(s.StateDir, 0o755); err != nil {
			return fmt.Errorf("state directory: %w", err)
		}
		lock, err := store.AcquireLock(filepath.Join(s.StateDir, store.LockFile))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	profile, err := o.deps.Services.Detect(ctx)
	if err != nil {
		return err
	}
	report.Service = profile.Kind()
	log.InfoContext(ctx, "detected time service", "service", profile.Kind(), "config", profile.ConfigPath())

	bl, err := store.OpenBlacklist(filepath.Join(s.StateDir, store.BlacklistFile), s.Blacklist)
	if err != nil {
		return err
	}
	blacklisted := bl.Set()

	report.Region = o.deps.Region.Detect(ctx)

	current, err := profile.CurrentPeer(ctx)
	if err != nil {
		log.WarnContext(ctx, "could not read the configured server", "err", err)
	}
	report.Current = current

	cat := catalog.New(s.Catalog, o.deps.Source)
	report.Candidates = cat.Build(ctx, report.Region, blacklisted, current)
	log.InfoContext(ctx, "built candidate list",
		"candidates", len(report.Candidates),
		"blacklisted", len(blacklisted),
		"current", current,
	)

	popts := []probe.Option{probe.WithResolver(o.deps.Resolver)}
	if !opts.DryRun {
		popts = append(popts, probe.WithFailureTracker(bl))
	}
	if profile.SupportsSecure() && s.Probe.DetectSecure {
		popts = append(popts, probe.WithSecureChecker(o.deps.Secure))
	}
	prober := probe.New(s.Probe, o.deps.Querier, popts...)
	report.Measurements = prober.ProbeAll(ctx, report.Candidates)

	results, currentResult := scorer.ScoreAll(report.Candidates, report.Measurements, s.Scoring)
	report.Decision = selector.Decide(results, currentResult, s.Selection)

	logResults(ctx, report)
	o.trackDecision(report, len(bl.Set()))

	if !opts.DryRun {
		if err := bl.Save(); err != nil {
			log.WarnContext(ctx, "could not save blacklist", "err", err)
		}
	}

	if len(results) == 0 {
		// nothing to compare against; the configuration stays as it is
		o.appendHistory(ctx, opts, report, "")
		return ErrNoViableCandidates
	}

	d := report.Decision
	if d.Action != selector.Switch {
		log.InfoContext(ctx, "keeping configured server",
			"reason", d.Reason, "current", current, "gain", fmtGain(d.Gain))
		o.appendHistory(ctx, opts, report, "")
		return nil
	}

	chosen := d.Chosen
	secure := chosen.Measurement.Secure && profile.SupportsSecure()

	if opts.DryRun {
		log.InfoContext(ctx, "dry run: would switch server",
			"previous", current,
			"chosen", chosen.Candidate.Address,
			"score", chosen.Score,
			"gain", fmtGain(d.Gain),
			"secure", secure,
		)
		return nil
	}

	log.InfoContext(ctx, "switching server",
		"previous", current,
		"chosen", chosen.Candidate.Address,
		"score", chosen.Score,
		"gain", fmtGain(d.Gain),
	)

	mut := mutator.New(s.Mutation, profile)
	res, err := mut.Switch(ctx, chosen.Candidate.Address, secure)
	report.Mutation = &res
	if o.deps.Metrics != nil {
		o.deps.Metrics.TrackMutation(res.Final.String())
	}
	o.appendHistory(ctx, opts, report, res.Final.String())

	if err != nil {
		if mutator.IsUnrecovered(err) {
			return err
		}
		log.WarnContext(ctx, "server switch failed, previous configuration restored",
			"state", res.Final, "err", err)
		return nil
	}

	o.notify(ctx, notify.Event{
		ID:       report.RunID,
		Kind:     notify.KindChanged,
		Previous: current,
		Chosen:   chosen.Candidate.Address,
		Score:    chosen.Score,
	})
	return nil
}

func (o *Optimizer) notify(ctx context.Context, ev notify.Event) {
	ev.Host = o.hostname
	ev.Timestamp = time.Now().UTC()
	// delivery problems are logged by the notifier
	_ = o.deps.Notifier.Notify(ctx, ev)
}

func (o *Optimizer) trackDecision(report *Report, blacklisted int) {
	m := o.deps.Metrics
	if m == nil {
		return
	}
	d := report.Decision

	m.Candidates.Set(float64(len(report.Candidates)))
	m.Reachable.Set(float64(report.Reachable()))
	m.Blacklisted.Set(float64(blacklisted))
	for i, meas := range report.Measurements {
		if !meas.Reachable() {
			m.ProbeFailures.WithLabelValues(report.Candidates[i].Region.String()).Inc()
		}
	}

	m.BestScore.Set(0)
	if d.Best != nil {
		m.BestScore.Set(d.Best.Score)
	}
	m.CurrentScore.Set(0)
	if d.Current != nil {
		m.CurrentScore.Set(d.Current.Score)
	}
	m.Gain.Set(d.Gain)
	m.TrackDecision(d.Action.String(), d.Reason.String())
}

func (o *Optimizer) appendHistory(ctx context.Context, opts Options, report *Report, outcome string) {
	if opts.DryRun {
		return
	}
	log := logger.FromContext(ctx)

	h, err := store.OpenHistory(ctx, o.settings.StateDir, o.settings.History)
	if err != nil {
		log.WarnContext(ctx, "could not open history", "err", err)
		return
	}
	defer h.Close()

	if err := h.Append(ctx, historyRecord(report, outcome)); err != nil {
		log.WarnContext(ctx, "could not append history", "err", err)
	}
}

func historyRecord(report *Report, outcome string) store.Record {
	d := report.Decision
	r := store.Record{
		RunID:     report.RunID,
		Timestamp: report.Timestamp,
		Region:    report.Region.String(),
		Service:   report.Service.String(),
		Current:   report.Current,
		Action:    d.Action.String(),
		Reason:    d.Reason.String(),
		Outcome:   outcome,
		DryRun:    report.DryRun,
		Probed:    len(report.Measurements),
	}
	if d.Chosen != nil {
		r.Chosen = d.Chosen.Candidate.Address
	}
	for i, res := range d.Ranked {
		m := res.Measurement
		r.Servers = append(r.Servers, store.Snapshot{
			Rank:            i + 1,
			Address:         res.Candidate.Address,
			Region:          res.Candidate.Region.String(),
			IsCurrent:       res.Candidate.IsCurrent,
			Score:           res.Score,
			OffsetMs:        m.OffsetMs,
			JitterMs:        m.JitterMs,
			RTTMs:           m.RTTMs,
			Stratum:         m.Stratum,
			ReachabilityPct: m.ReachabilityPct,
			Secure:          m.Secure,
		})
	}
	return r
}

// logResults logs the ranked list, one line per server.
func logResults(ctx context.Context, report *Report) {
	log := logger.FromContext(ctx)
	for i, r := range report.Decision.Ranked {
		m := r.Measurement
		log.InfoContext(ctx, "result",
			"rank", i+1,
			"server", r.Candidate.Address,
			"offset_ms", round(m.OffsetMs),
			"jitter_ms", round(m.JitterMs),
			"stratum", m.Stratum,
			"reach_pct", round(m.ReachabilityPct),
			"score", r.Score,
			"current", r.Candidate.IsCurrent,
		)
	}
	for _, r := range report.Decision.Excluded {
		log.InfoContext(ctx, "stratum outside selection band",
			"server", r.Candidate.Address,
			"stratum", r.Measurement.Stratum,
			"score", r.Score,
		)
	}
	if n := len(report.Measurements) - len(report.Decision.Ranked) - len(report.Decision.Excluded); n > 0 {
		log.InfoContext(ctx, "unreachable servers", "count", n)
	}
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func fmtGain(g float64) string {
	if math.IsInf(g, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.1f%%", g*100)
}
