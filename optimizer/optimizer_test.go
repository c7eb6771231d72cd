package optimizer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ntppool.org/optimizer/catalog"
	"go.ntppool.org/optimizer/config"
	"go.ntppool.org/optimizer/metrics"
	"go.ntppool.org/optimizer/mutator"
	"go.ntppool.org/optimizer/notify"
	"go.ntppool.org/optimizer/probe"
	"go.ntppool.org/optimizer/selector"
	"go.ntppool.org/optimizer/service"
	"go.ntppool.org/optimizer/store"
)

// fakeProfile is a chrony-like service backed by a real file.
type fakeProfile struct {
	path       string
	restartErr error
	verifyOK   bool
	applied    int
	restarts   int
}

func (p *fakeProfile) Kind() service.Kind   { return service.KindChrony }
func (p *fakeProfile) ConfigPath() string   { return p.path }
func (p *fakeProfile) SupportsSecure() bool { return true }

func (p *fakeProfile) CurrentPeer(context.Context) (string, error) {
	b, err := os.ReadFile(p.path)
	if err != nil {
		return "", err
	}
	return service.FirstServer(b), nil
}

func (p *fakeProfile) ApplyPeer(_ context.Context, address string, secure bool) error {
	p.applied++
	b, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	return service.ReplaceFile(p.path, service.RewriteServers(b, service.ServerLine(address, secure)))
}

func (p *fakeProfile) Restart(context.Context) error {
	p.restarts++
	return p.restartErr
}

func (p *fakeProfile) Verify(context.Context, time.Duration) (int, bool) {
	return 2, p.verifyOK
}

type fakeDetector struct {
	profile service.Profile
	err     error
}

func (d fakeDetector) Detect(context.Context) (service.Profile, error) {
	return d.profile, d.err
}

type fixedRegion catalog.Region

func (r fixedRegion) Detect(context.Context) catalog.Region { return catalog.Region(r) }

type staticSource []string

func (s staticSource) Servers(context.Context) ([]string, error) { return s, nil }

// network maps each server name to an address and the offsets (in ms)
// it answers with. Servers without offsets never answer.
type network struct {
	mu      sync.Mutex
	ips     map[string]netip.Addr
	replies map[netip.Addr][]float64
	stratum map[netip.Addr]int
	calls   map[netip.Addr]int
}

func newNetwork() *network {
	return &network{
		ips:     map[string]netip.Addr{},
		replies: map[netip.Addr][]float64{},
		stratum: map[netip.Addr]int{},
		calls:   map[netip.Addr]int{},
	}
}

func (n *network) add(host string, stratum int, offsetsMs ...float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ip := netip.AddrFrom4([4]byte{192, 0, 2, byte(len(n.ips) + 1)})
	n.ips[host] = ip
	n.replies[ip] = offsetsMs
	n.stratum[ip] = stratum
}

func (n *network) Resolve(_ context.Context, host string) (netip.Addr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ip, ok := n.ips[host]
	if !ok {
		return netip.Addr{}, fmt.Errorf("lookup %s: no such host", host)
	}
	return ip, nil
}

func (n *network) Query(_ context.Context, address string, _ time.Duration) (probe.Sample, error) {
	ip := netip.MustParseAddr(address)

	n.mu.Lock()
	defer n.mu.Unlock()
	offsets := n.replies[ip]
	if len(offsets) == 0 {
		return probe.Sample{}, errors.New("i/o timeout")
	}
	i := n.calls[ip] % len(offsets)
	n.calls[ip]++
	return probe.Sample{
		Offset:  time.Duration(offsets[i] * float64(time.Millisecond)),
		RTT:     10 * time.Millisecond,
		Stratum: n.stratum[ip],
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type noSecure struct{}

func (noSecure) SupportsSecure(context.Context, string) bool { return false }

type harness struct {
	settings config.Settings
	profile  *fakeProfile
	net      *network
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	source   staticSource
}

const initialConfig = "# chrony\nserver old.example.net iburst\npool 2.pool.ntp.org iburst\nmakestep 1.0 3\n"

func newHarness(t *testing.T, source ...string) *harness {
	t.Helper()
	dir := t.TempDir()

	path := filepath.Join(dir, "chrony.conf")
	require.NoError(t, os.WriteFile(path, []byte(initialConfig), 0o644))

	s := config.Defaults()
	s.StateDir = filepath.Join(dir, "state")
	s.Catalog.Sources = nil
	s.Catalog.Fallback = nil
	s.Probe.Headway = 0
	s.Mutation.VerifyTimeout = time.Second

	return &harness{
		settings: s,
		profile:  &fakeProfile{path: path, verifyOK: true},
		net:      newNetwork(),
		notifier: &recordingNotifier{},
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		source:   staticSource(source),
	}
}

func (h *harness) optimizer() *Optimizer {
	return New(h.settings, Deps{
		Services: fakeDetector{profile: h.profile},
		Region:   fixedRegion{},
		Source:   h.source,
		Querier:  h.net,
		Resolver: h.net,
		Secure:   noSecure{},
		Notifier: h.notifier,
		Metrics:  h.metrics,
	})
}

func (h *harness) config(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(h.profile.path)
	require.NoError(t, err)
	return string(b)
}

func (h *harness) history(t *testing.T) []store.Record {
	t.Helper()
	f, err := os.Open(filepath.Join(h.settings.StateDir, "history.jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var records []store.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		var r store.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	return records
}

func TestRunSwitch(t *testing.T) {
	h := newHarness(t, "fast.example.net")
	h.net.add("old.example.net", 4, 40, 45, 50)
	h.net.add("fast.example.net", 2, 1, 1.5, 2)

	report, err := h.optimizer().Run(context.Background(), Options{})
	require.NoError(t, err)

	d := report.Decision
	assert.Equal(t, selector.Switch, d.Action)
	assert.Equal(t, selector.ReasonImproved, d.Reason)
	require.NotNil(t, d.Chosen)
	assert.Equal(t, "fast.example.net", d.Chosen.Candidate.Address)
	assert.Greater(t, d.Gain, 0.15)

	assert.Equal(t, "old.example.net", report.Current)
	require.Len(t, report.Candidates, 2)
	assert.True(t, report.Candidates[0].IsCurrent, "current server is measured first")

	require.NotNil(t, report.Mutation)
	assert.Equal(t, mutator.StateCommitted, report.Mutation.Final)
	assert.Equal(t,
		"# chrony\nserver fast.example.net iburst\nmakestep 1.0 3\n",
		h.config(t))

	require.Len(t, h.notifier.events, 1)
	ev := h.notifier.events[0]
	assert.Equal(t, notify.KindChanged, ev.Kind)
	assert.Equal(t, "old.example.net", ev.Previous)
	assert.Equal(t, "fast.example.net", ev.Chosen)
	assert.Equal(t, report.RunID, ev.ID)

	records := h.history(t)
	require.Len(t, records, 1)
	assert.Equal(t, report.RunID, records[0].RunID)
	assert.Equal(t, "switch", records[0].Action)
	assert.Equal(t, "committed", records[0].Outcome)
	require.Len(t, records[0].Servers, 2)
	assert.Equal(t, "fast.example.net", records[0].Servers[0].Address)
	assert.Equal(t, 1, records[0].Servers[0].Rank)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("switch", "improved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Mutations.WithLabelValues("committed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(h.metrics.BestScore))
}

func TestRunKeep(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(n *network)
		reason selector.Reason
	}{
		{
			name: "within hysteresis",
			setup: func(n *network) {
				n.add("old.example.net", 2, 1, 1.5, 2)
				n.add("a.example.net", 2, 1, 1.5, 2)
			},
			reason: selector.ReasonWithinHysteresis,
		},
		{
			name: "below minimum score",
			setup: func(n *network) {
				n.add("old.example.net", 8, 30, 60, 90)
				n.add("a.example.net", 9, 60, 120, 180)
			},
			reason: selector.ReasonBelowMinimumScore,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "a.example.net")
			tt.setup(h.net)

			report, err := h.optimizer().Run(context.Background(), Options{})
			require.NoError(t, err)

			assert.Equal(t, selector.Keep, report.Decision.Action)
			assert.Equal(t, tt.reason, report.Decision.Reason)
			assert.Nil(t, report.Mutation)
			assert.Zero(t, h.profile.applied)
			assert.Zero(t, h.profile.restarts)
			assert.Equal(t, initialConfig, h.config(t))
			assert.Empty(t, h.notifier.events)
			assert.Len(t, h.history(t), 1)
		})
	}
}

func TestRunStratumBand(t *testing.T) {
	t.Run("only candidate outside band", func(t *testing.T) {
		h := newHarness(t, "deep.example.net")
		h.net.add("old.example.net", 4, 40, 45, 50)
		h.net.add("deep.example.net", 5, 0.5, 0.6, 0.7)

		report, err := h.optimizer().Run(context.Background(), Options{})
		require.NoError(t, err)

		d := report.Decision
		assert.Equal(t, selector.Keep, d.Action)
		require.Len(t, d.Excluded, 1)
		assert.Equal(t, "deep.example.net", d.Excluded[0].Candidate.Address)
		require.Len(t, d.Ranked, 1)
		assert.True(t, d.Ranked[0].Candidate.IsCurrent, "current server is still compared")

		assert.Nil(t, report.Mutation)
		assert.Zero(t, h.profile.applied)
		assert.Zero(t, h.profile.restarts)
		assert.Equal(t, initialConfig, h.config(t))
	})

	t.Run("switches inside band", func(t *testing.T) {
		h := newHarness(t, "deep.example.net", "fast.example.net")
		h.net.add("old.example.net", 4, 40, 45, 50)
		h.net.add("deep.example.net", 5, 0.5, 0.6, 0.7)
		h.net.add("fast.example.net", 2, 1, 1.5, 2)

		report, err := h.optimizer().Run(context.Background(), Options{})
		require.NoError(t, err)

		d := report.Decision
		assert.Equal(t, selector.Switch, d.Action)
		require.NotNil(t, d.Chosen)
		assert.Equal(t, "fast.example.net", d.Chosen.Candidate.Address)
		require.Len(t, d.Excluded, 1)
		assert.Equal(t, "deep.example.net", d.Excluded[0].Candidate.Address)
		require.NotNil(t, report.Mutation)
		assert.Equal(t, mutator.StateCommitted, report.Mutation.Final)
	})
}

func TestRunNoViableCandidates(t *testing.T) {
	h := newHarness(t, "a.example.net", "b.example.net")
	h.net.add("a.example.net", 2)
	h.net.add("b.example.net", 2)

	report, err := h.optimizer().Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrNoViableCandidates)

	assert.Equal(t, selector.ReasonNoCandidates, report.Decision.Reason)
	assert.Equal(t, initialConfig, h.config(t))
	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, notify.KindError, h.notifier.events[0].Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("error")))
}

func TestRunDetectionFailure(t *testing.T) {
	h := newHarness(t)
	o := New(h.settings, Deps{
		Services: fakeDetector{err: service.ErrNoServiceFound},
		Region:   fixedRegion{},
		Source:   h.source,
		Querier:  h.net,
		Resolver: h.net,
		Notifier: h.notifier,
	})

	_, err := o.Run(context.Background(), Options{})
	require.ErrorIs(t, err, service.ErrNoServiceFound)
	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, notify.KindError, h.notifier.events[0].Kind)
}

func TestRunBlacklist(t *testing.T) {
	h := newHarness(t, "dead.example.net")
	h.net.add("old.example.net", 2, 1, 1.5, 2)
	h.net.add("dead.example.net", 2)

	o := h.optimizer()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		report, err := o.Run(ctx, Options{})
		require.NoError(t, err)
		assert.Len(t, report.Candidates, 2, "run %d", i+1)
	}

	report, err := o.Run(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	assert.Equal(t, "old.example.net", report.Candidates[0].Address)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Blacklisted))
}

func TestRunRollback(t *testing.T) {
	h := newHarness(t, "fast.example.net")
	h.net.add("old.example.net", 4, 40, 45, 50)
	h.net.add("fast.example.net", 2, 1, 1.5, 2)
	h.profile.verifyOK = false

	report, err := h.optimizer().Run(context.Background(), Options{})
	require.NoError(t, err, "a recovered rollback is not fatal")

	require.NotNil(t, report.Mutation)
	assert.Equal(t, mutator.StateRolledBack, report.Mutation.Final)
	assert.Equal(t, initialConfig, h.config(t))
	assert.Empty(t, h.notifier.events)

	records := h.history(t)
	require.Len(t, records, 1)
	assert.Equal(t, "rolled_back", records[0].Outcome)
}

func TestRunRollbackFailed(t *testing.T) {
	h := newHarness(t, "fast.example.net")
	h.net.add("old.example.net", 4, 40, 45, 50)
	h.net.add("fast.example.net", 2, 1, 1.5, 2)
	h.profile.restartErr = errors.New("unit failed")

	report, err := h.optimizer().Run(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, mutator.IsUnrecovered(err))
	assert.Equal(t, mutator.StateRollbackFailed, report.Mutation.Final)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, notify.KindError, h.notifier.events[0].Kind)
}

func TestRunDryRunIdempotent(t *testing.T) {
	h := newHarness(t, "fast.example.net", "dead.example.net")
	h.net.add("old.example.net", 4, 40, 45, 50)
	h.net.add("fast.example.net", 2, 1, 1.5, 2)
	h.net.add("dead.example.net", 2)

	o := h.optimizer()
	ctx := context.Background()

	var decisions []selector.Decision
	for i := 0; i < 4; i++ {
		report, err := o.Run(ctx, Options{DryRun: true})
		require.NoError(t, err)
		assert.Nil(t, report.Mutation)
		assert.Len(t, report.Candidates, 3, "dry runs do not blacklist")
		decisions = append(decisions, report.Decision)
	}

	for _, d := range decisions {
		assert.Equal(t, selector.Switch, d.Action)
		assert.Equal(t, selector.ReasonImproved, d.Reason)
		assert.Equal(t, "fast.example.net", d.Chosen.Candidate.Address)
		assert.Equal(t, decisions[0].Chosen.Score, d.Chosen.Score)
		assert.Equal(t, decisions[0].Gain, d.Gain)
	}

	assert.Equal(t, initialConfig, h.config(t))
	assert.Zero(t, h.profile.applied)
	assert.Zero(t, h.profile.restarts)
	assert.Empty(t, h.notifier.events)
	assert.NoDirExists(t, h.settings.StateDir)
}

func TestRunInProgress(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.settings.StateDir, 0o755))

	lock, err := store.AcquireLock(filepath.Join(h.settings.StateDir, store.LockFile))
	require.NoError(t, err)
	defer lock.Release()

	_, err = h.optimizer().Run(context.Background(), Options{})
	assert.ErrorIs(t, err, store.ErrRunInProgress)
	assert.Zero(t, h.profile.applied)
}

func TestCheck(t *testing.T) {
	h := newHarness(t)
	h.net.add("good.example.net", 2, 1, 1.5, 2)
	h.net.add("ok.example.net", 3, 5, 6, 7)
	h.net.add("dead.example.net", 2)

	ranked, measurements := h.optimizer().Check(context.Background(),
		[]string{"ok.example.net", "Good.Example.NET.", "dead.example.net", "good.example.net"})

	require.Len(t, measurements, 3)
	require.Len(t, ranked, 2)
	assert.Equal(t, "good.example.net", ranked[0].Candidate.Address)
	assert.Equal(t, "ok.example.net", ranked[1].Candidate.Address)
	assert.NoDirExists(t, h.settings.StateDir)
}
