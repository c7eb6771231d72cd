package probe

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ntppool.org/optimizer/catalog"
)

type reply struct {
	sample Sample
	err    error
}

// scriptedQuerier returns the replies for an address in order; queries
// past the end of the script time out.
type scriptedQuerier struct {
	mu       sync.Mutex
	replies  map[string][]reply
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (q *scriptedQuerier) Query(ctx context.Context, address string, timeout time.Duration) (Sample, error) {
	n := q.inflight.Add(1)
	defer q.inflight.Add(-1)
	for {
		p := q.peak.Load()
		if n <= p || q.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if q.delay > 0 {
		time.Sleep(q.delay)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	rs := q.replies[address]
	if len(rs) == 0 {
		return Sample{}, errors.New("i/o timeout")
	}
	r := rs[0]
	q.replies[address] = rs[1:]
	return r.sample, r.err
}

// literalResolver maps names to documentation addresses without DNS.
type literalResolver map[string]string

func (r literalResolver) Resolve(_ context.Context, host string) (netip.Addr, error) {
	s, ok := r[host]
	if !ok {
		return netip.Addr{}, errors.New("no such host")
	}
	return netip.MustParseAddr(s), nil
}

type trackerCall struct {
	address string
	failure bool
}

type recordingTracker struct {
	mu    sync.Mutex
	calls []trackerCall
}

func (t *recordingTracker) RecordFailure(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, trackerCall{address, true})
	return false
}

func (t *recordingTracker) RecordSuccess(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, trackerCall{address, false})
}

type staticSecure bool

func (s staticSecure) SupportsSecure(context.Context, string) bool { return bool(s) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Headway = 0
	return cfg
}

func ok(offsetMs float64, stratum int) reply {
	return reply{sample: Sample{
		Offset:  time.Duration(offsetMs * float64(time.Millisecond)),
		RTT:     20 * time.Millisecond,
		Stratum: stratum,
	}}
}

func TestMeasure(t *testing.T) {
	tests := []struct {
		name      string
		replies   []reply
		offset    float64
		jitter    float64
		stratum   int
		reach     float64
		reachable bool
	}{
		{
			name:      "all samples",
			replies:   []reply{ok(1, 2), ok(2, 2), ok(3, 3)},
			offset:    2,
			jitter:    1,
			stratum:   3,
			reach:     100,
			reachable: true,
		},
		{
			name:      "one sample",
			replies:   []reply{{err: errors.New("timeout")}, ok(-4, 1)},
			offset:    -4,
			jitter:    0,
			stratum:   1,
			reach:     100.0 / 3,
			reachable: true,
		},
		{
			name:      "no response",
			replies:   nil,
			stratum:   UnreachableStratum,
			reach:     0,
			reachable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &scriptedQuerier{replies: map[string][]reply{"192.0.2.1": tt.replies}}
			p := New(testConfig(), q, WithResolver(literalResolver{"ntp.test": "192.0.2.1"}))

			m := p.Measure(context.Background(), "ntp.test", 3, time.Second)
			assert.Equal(t, "192.0.2.1", m.IP)
			assert.Equal(t, tt.reachable, m.Reachable())
			assert.InDelta(t, tt.offset, m.OffsetMs, 1e-9)
			assert.InDelta(t, tt.jitter, m.JitterMs, 1e-9)
			assert.InDelta(t, tt.reach, m.ReachabilityPct, 1e-9)
			assert.Equal(t, tt.stratum, m.Stratum)
			if !tt.reachable {
				assert.NotEmpty(t, m.Error)
			}
		})
	}
}

func TestMeasureResolveFailure(t *testing.T) {
	tracker := &recordingTracker{}
	p := New(testConfig(), &scriptedQuerier{}, WithResolver(literalResolver{}), WithFailureTracker(tracker))

	m := p.Measure(context.Background(), "missing.test", 3, time.Second)
	assert.False(t, m.Reachable())
	assert.Equal(t, 0.0, m.ReachabilityPct)
	assert.Contains(t, m.Error, "no such host")
	assert.Equal(t, []trackerCall{{"missing.test", true}}, tracker.calls)
}

func TestMeasureSecure(t *testing.T) {
	q := &scriptedQuerier{replies: map[string][]reply{
		"192.0.2.1": {ok(1, 1), ok(1, 1), ok(1, 1)},
	}}
	p := New(testConfig(), q,
		WithResolver(literalResolver{"192.0.2.1": "192.0.2.1"}),
		WithSecureChecker(staticSecure(true)),
	)
	m := p.Measure(context.Background(), "192.0.2.1", 3, time.Second)
	assert.True(t, m.Secure)

	cfg := testConfig()
	cfg.DetectSecure = false
	q.replies["192.0.2.1"] = []reply{ok(1, 1)}
	p = New(cfg, q,
		WithResolver(literalResolver{"192.0.2.1": "192.0.2.1"}),
		WithSecureChecker(staticSecure(true)),
	)
	m = p.Measure(context.Background(), "192.0.2.1", 1, time.Second)
	assert.False(t, m.Secure)
}

func TestProbeAll(t *testing.T) {
	resolver := literalResolver{}
	replies := map[string][]reply{}
	var candidates []catalog.Candidate

	hosts := []string{"a.test", "b.test", "c.test", "d.test", "e.test", "f.test"}
	for i, h := range hosts {
		ip := netip.AddrFrom4([4]byte{192, 0, 2, byte(i + 1)}).String()
		resolver[h] = ip
		if h != "d.test" {
			replies[ip] = []reply{ok(float64(i), 2), ok(float64(i), 2)}
		}
		candidates = append(candidates, catalog.Candidate{Address: h})
	}

	q := &scriptedQuerier{replies: replies, delay: 5 * time.Millisecond}
	tracker := &recordingTracker{}

	cfg := testConfig()
	cfg.Samples = 2
	cfg.Workers = 2
	p := New(cfg, q, WithResolver(resolver), WithFailureTracker(tracker))

	results := p.ProbeAll(context.Background(), candidates)
	require.Len(t, results, len(hosts))

	for i, m := range results {
		assert.Equal(t, hosts[i], m.Address)
		if hosts[i] == "d.test" {
			assert.False(t, m.Reachable())
			continue
		}
		assert.True(t, m.Reachable(), m.Address)
		assert.InDelta(t, float64(i), m.OffsetMs, 1e-9)
	}

	assert.LessOrEqual(t, q.peak.Load(), int32(2))
	assert.Len(t, tracker.calls, len(hosts))
	assert.Contains(t, tracker.calls, trackerCall{"d.test", true})
	assert.Contains(t, tracker.calls, trackerCall{"a.test", false})
}

func TestMeasureCancelled(t *testing.T) {
	q := &scriptedQuerier{replies: map[string][]reply{
		"192.0.2.1": {ok(1, 2), ok(1, 2), ok(1, 2)},
	}}
	cfg := testConfig()
	cfg.Headway = time.Hour
	p := New(cfg, q, WithResolver(literalResolver{"ntp.test": "192.0.2.1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	m := p.Measure(ctx, "ntp.test", 3, time.Second)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, m.Successes)
	assert.InDelta(t, 100.0/3, m.ReachabilityPct, 1e-9)
}

func TestStddev(t *testing.T) {
	assert.Equal(t, 0.0, stddev(nil))
	assert.Equal(t, 0.0, stddev([]float64{4}))
	assert.InDelta(t, 2.138089935, stddev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
}
