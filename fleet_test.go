package fleet

import (
	"encoding/json"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// fakeListener is a Listener whose behaviour is scripted by the test
type fakeListener struct {
	name     string
	notifier Notifier
	startErr error
	delay    time.Duration
	payload  any

	mu      sync.Mutex
	started bool
	stops   int
	kills   []ConnID
	events  []any
}

func (f *fakeListener) Name() string { return f.name }

func (f *fakeListener) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeListener) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.started = false
	return nil
}

func (f *fakeListener) Kill(id ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id)
}

func (f *fakeListener) Broadcast(ev any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeListener) Post(fn func()) bool {
	go func() {
		time.Sleep(f.delay)
		fn()
	}()
	return true
}

func (f *fakeListener) Stats() any { return f.payload }

func (f *fakeListener) snapshot() (started bool, stops int, kills []ConnID, events []any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stops, append([]ConnID(nil), f.kills...), append([]any(nil), f.events...)
}

// fakeFleet hands out scripted listeners in build order
type fakeFleet struct {
	mu    sync.Mutex
	setup func(i int, f *fakeListener)
	built []*fakeListener
}

func (ff *fakeFleet) factory(desc ListenerDescriptor, n Notifier, _ ...Option) Listener {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	f := &fakeListener{name: desc.DisplayName(), notifier: n, payload: desc.Address()}
	if ff.setup != nil {
		ff.setup(len(ff.built), f)
	}
	ff.built = append(ff.built, f)
	return f
}

func testConfig() Config {
	return Config{
		Plain: []ListenerDescriptor{
			{Host: "0.0.0.0", Port: 50001},
			{Host: "::", Port: 50001},
		},
		Encrypted: []ListenerDescriptor{
			{Host: "0.0.0.0", Port: 50002},
		},
		CertFile:           "server.crt",
		KeyFile:            "server.key",
		MaxConnsPerAddress: 3,
		StatsTimeout:       time.Second,
		DonationAddress:    "bitcoincash:qexample",
		BannerFile:         "/etc/fleetd/banner.txt",
	}
}

func names(ls []Listener) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Name())
	}
	return out
}

func TestManagerStartOrder(t *testing.T) {
	ff := &fakeFleet{}
	reg := prometheus.NewRegistry()
	m := NewManager(WithListenerFactory(ff.factory), WithMetrics(NewMetrics(reg)))

	require.NoError(t, m.Start(testConfig()))
	defer m.Stop()

	assert.Equal(t, []string{"TCP 0.0.0.0:50001", "TCP [::]:50001", "SSL 0.0.0.0:50002"}, names(m.Listeners()))
	for _, f := range ff.built {
		started, _, _, _ := f.snapshot()
		assert.True(t, started, f.name)
	}
	assert.NotNil(t, m.Admission())
	assert.Equal(t, 3, m.Admission().MaxPerAddress())
}

func TestManagerStartTwiceRefused(t *testing.T) {
	ff := &fakeFleet{}
	m := NewManager(WithListenerFactory(ff.factory))
	require.NoError(t, m.Start(testConfig()))
	defer m.Stop()

	err := m.Start(testConfig())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Len(t, ff.built, 3, "no listeners built by the refused start")
	assert.Len(t, m.Listeners(), 3)
}

func TestManagerStartRollback(t *testing.T) {
	bindErr := errors.New("address already in use")
	ff := &fakeFleet{setup: func(i int, f *fakeListener) {
		if i == 2 {
			f.startErr = errors.Join(ErrBind, bindErr)
		}
	}}
	m := NewManager(WithListenerFactory(ff.factory))

	err := m.Start(testConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)
	assert.Empty(t, m.Listeners())
	assert.Nil(t, m.Admission())

	for i, f := range ff.built {
		started, stops, _, _ := f.snapshot()
		assert.False(t, started, "listener %d still running", i)
		assert.Equal(t, 1, stops, "listener %d", i)
	}

	// a failed start leaves the manager startable again
	ff.setup = nil
	require.NoError(t, m.Start(testConfig()))
	m.Stop()
}

func TestManagerStartInvalidConfig(t *testing.T) {
	ff := &fakeFleet{}
	m := NewManager(WithListenerFactory(ff.factory))

	cfg := testConfig()
	cfg.CertFile = ""
	cfg.Plain[0].Port = 70000
	err := m.Start(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Empty(t, ff.built)
}

func TestManagerStopIdempotent(t *testing.T) {
	ff := &fakeFleet{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := NewManager(WithListenerFactory(ff.factory), WithMetrics(metrics))
	require.NoError(t, m.Start(testConfig()))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Listeners))
	require.NotNil(t, m.Admission())

	m.Stop()
	assert.Empty(t, m.Listeners())
	assert.Nil(t, m.Admission(), "admission state is released with the fleet")
	m.Stop()
	assert.Empty(t, m.Listeners())
	assert.Zero(t, testutil.ToFloat64(metrics.Listeners))

	for _, f := range ff.built {
		_, stops, _, _ := f.snapshot()
		assert.Equal(t, 1, stops, f.name)
	}

	// stopping a manager that never started is fine too
	NewManager().Stop()
}

func TestManagerBroadcast(t *testing.T) {
	ff := &fakeFleet{}
	m := NewManager(WithListenerFactory(ff.factory))
	require.NoError(t, m.Start(testConfig()))
	defer m.Stop()

	m.Broadcast("tip 1")
	m.Broadcast("tip 2")
	for _, f := range ff.built {
		_, _, _, events := f.snapshot()
		assert.Equal(t, []any{"tip 1", "tip 2"}, events, f.name)
	}
}

func TestManagerEvictionGoesToOwner(t *testing.T) {
	ff := &fakeFleet{}
	m := NewManager(WithListenerFactory(ff.factory))
	require.NoError(t, m.Start(testConfig()))
	defer m.Stop()

	addr := netip.MustParseAddr("10.0.0.5")
	first, second := ff.built[0], ff.built[1]

	// connections spread over two listeners count against one cap
	first.notifier.Connected(1, addr)
	second.notifier.Connected(2, addr)
	first.notifier.Connected(3, addr)
	second.notifier.Connected(4, addr)

	_, _, kills1, _ := first.snapshot()
	_, _, kills2, _ := second.snapshot()
	assert.Empty(t, kills1)
	assert.Equal(t, []ConnID{4}, kills2)

	second.notifier.Disconnected(4, addr)
	first.notifier.Disconnected(1, addr)
	first.notifier.Connected(5, addr)
	_, _, kills1, _ = first.snapshot()
	assert.Empty(t, kills1)
	assert.Equal(t, 3, m.Admission().Count(addr))
}

func TestManagerEvictionExcluded(t *testing.T) {
	ff := &fakeFleet{}
	m := NewManager(WithListenerFactory(ff.factory))
	cfg := testConfig()
	cfg.Exclusions = []Subnet{MustParseSubnet("10.0.0.0/24")}
	require.NoError(t, m.Start(cfg))
	defer m.Stop()

	addr := netip.MustParseAddr("10.0.0.5")
	for id := ConnID(1); id <= 4; id++ {
		ff.built[0].notifier.Connected(id, addr)
	}
	_, _, kills, _ := ff.built[0].snapshot()
	assert.Empty(t, kills)
}

func TestManagerStatsReport(t *testing.T) {
	ff := &fakeFleet{setup: func(i int, f *fakeListener) {
		if i == 1 {
			f.delay = time.Hour
		}
	}}
	m := NewManager(WithListenerFactory(ff.factory))
	require.NoError(t, m.Start(testConfig()))
	defer m.Stop()

	r := m.Stats()
	assert.Equal(t, "bitcoincash:qexample", r.DonationAddress)
	require.NotNil(t, r.BannerFile)
	assert.Equal(t, "/etc/fleetd/banner.txt", *r.BannerFile)

	require.Len(t, r.Servers, 2, "slow listener omitted, no placeholder")
	assert.Equal(t, "TCP 0.0.0.0:50001", r.Servers[0].Name)
	assert.Equal(t, "SSL 0.0.0.0:50002", r.Servers[1].Name)
	assert.Equal(t, "0.0.0.0:50002", r.Servers[1].Payload)
}

func TestCollectBoundedLatency(t *testing.T) {
	const total = 200 * time.Millisecond
	ff := &fakeFleet{setup: func(i int, f *fakeListener) { f.delay = total }}
	m := NewManager(WithListenerFactory(ff.factory))

	cfg := testConfig()
	for i := 0; i < 5; i++ {
		cfg.Plain = append(cfg.Plain, ListenerDescriptor{Host: "127.0.0.1", Port: 6000 + i})
	}
	require.NoError(t, m.Start(cfg))
	defer m.Stop()
	require.Len(t, m.Listeners(), 8)

	start := time.Now()
	r := m.Collect(total)
	elapsed := time.Since(start)

	assert.Empty(t, r.Servers)
	assert.Less(t, elapsed, 2*total, "collection must not take k times the budget")
}

func TestCollectEmptyFleet(t *testing.T) {
	m := NewManager()
	start := time.Now()
	r := m.Collect(time.Hour)
	assert.Less(t, time.Since(start), time.Second)
	assert.NotNil(t, r.Servers)
	assert.Empty(t, r.Servers)
	assert.Nil(t, r.BannerFile)
}

func TestReportJSON(t *testing.T) {
	r := Report{
		DonationAddress: "addr",
		Servers: []StatsRecord{
			{Name: "TCP 0.0.0.0:50001", Payload: map[string]int{"clients": 2}},
		},
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"donationAddress":"addr","bannerFile":null,"Servers":[{"TCP 0.0.0.0:50001":{"clients":2}}]}`,
		string(data))
}
