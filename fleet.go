package fleet

import (
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns the fleet of listeners: it starts and stops them as a unit,
// enforces the per-address connection cap across all of them, relays
// broadcast events and aggregates their stats.
//
// Start and Stop must not be called concurrently with each other.
type Manager struct {
	opts       options
	rawOpts    []Option
	logger     *zap.Logger
	aggregator *Aggregator

	mu        sync.RWMutex
	servers   []Listener
	admission *AdmissionController
	cfg       Config
}

// NewManager creates an idle manager
func NewManager(opts ...Option) *Manager {
	o := buildOptions(opts)
	if o.factory == nil {
		o.factory = newServerListener
	}
	return &Manager{
		opts:       o,
		rawOpts:    opts,
		logger:     o.logger,
		aggregator: NewAggregator(o.clock, o.logger),
	}
}

// notifier routes one listener's client notifications into the admission
// controller and sends evictions back to that listener.
type notifier struct {
	admission *AdmissionController
	owner     Listener
}

func (n *notifier) Connected(id ConnID, addr netip.Addr) {
	if n.admission.OnConnect(id, addr) {
		n.owner.Kill(id)
	}
}

func (n *notifier) Disconnected(id ConnID, addr netip.Addr) {
	n.admission.OnDisconnect(id, addr)
}

// Start builds one listener per configured address, plain listeners first,
// and starts them in order. If any listener fails to start, the ones already
// running are stopped and the error is returned with the fleet left empty.
// Calling Start on a running fleet is refused with ErrAlreadyStarted.
func (m *Manager) Start(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.servers) > 0 {
		m.logger.Error("start called with servers already active")
		return ErrAlreadyStarted
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	descs := cfg.Descriptors()
	m.logger.Info("starting services", zap.Int("count", len(descs)))

	admission := NewAdmissionController(cfg.MaxConnsPerAddress, cfg.Exclusions, m.logger, m.opts.metrics)

	// every listener sees the manager's options, then the certificate, then
	// listener-specific overrides
	serverOpts := make([]Option, 0, len(m.rawOpts)+len(m.opts.serverOps)+1)
	serverOpts = append(serverOpts, m.rawOpts...)
	if cfg.CertFile != "" {
		serverOpts = append(serverOpts, WithCertificate(cfg.CertFile, cfg.KeyFile))
	}
	serverOpts = append(serverOpts, m.opts.serverOps...)

	servers := make([]Listener, 0, len(descs))
	for _, desc := range descs {
		n := &notifier{admission: admission}
		srv := m.opts.factory(desc, n, serverOpts...)
		n.owner = srv

		if err := srv.Start(); err != nil {
			m.logger.Error("failed to start server", zap.String("server", srv.Name()), zap.Error(err))
			// the failed server may hold resources from a partial start
			err = multierr.Append(err, srv.Stop())
			err = multierr.Append(err, stopAll(servers))
			return err
		}
		servers = append(servers, srv)
	}

	m.servers = servers
	m.admission = admission
	m.cfg = cfg
	m.opts.metrics.listeners(len(servers))
	return nil
}

// stopAll stops servers in reverse start order
func stopAll(servers []Listener) error {
	var err error
	for i := len(servers) - 1; i >= 0; i-- {
		err = multierr.Append(err, servers[i].Stop())
	}
	return err
}

// Stop releases every listener. It always succeeds and may be called any
// number of times.
func (m *Manager) Stop() {
	m.mu.Lock()
	servers := m.servers
	m.servers = nil
	m.admission = nil
	m.mu.Unlock()

	if len(servers) == 0 {
		return
	}
	for _, err := range multierr.Errors(stopAll(servers)) {
		m.logger.Warn("error stopping server", zap.Error(err))
	}
	m.opts.metrics.listeners(0)
	m.logger.Info("all servers stopped", zap.Int("count", len(servers)))
}

// Broadcast forwards ev to every listener. Delivery is fire and forget.
func (m *Manager) Broadcast(ev any) {
	for _, srv := range m.Listeners() {
		srv.Broadcast(ev)
	}
}

// Listeners returns the current fleet in start order
func (m *Manager) Listeners() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Listener, len(m.servers))
	copy(out, m.servers)
	return out
}

// Admission returns the admission controller of the running fleet, or nil
func (m *Manager) Admission() *AdmissionController {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admission
}

// Stats collects a report using the configured stats timeout
func (m *Manager) Stats() Report {
	m.mu.RLock()
	total := m.cfg.StatsTimeout
	m.mu.RUnlock()
	if total <= 0 {
		total = DefaultStatsTimeout
	}
	return m.Collect(total)
}

// Collect builds a report, waiting at most about total for all listeners
// combined.
func (m *Manager) Collect(total time.Duration) Report {
	m.mu.RLock()
	servers := make([]Listener, len(m.servers))
	copy(servers, m.servers)
	cfg := m.cfg
	m.mu.RUnlock()

	r := Report{
		DonationAddress: cfg.DonationAddress,
		Servers:         m.aggregator.Collect(servers, total),
	}
	if cfg.BannerFile != "" {
		banner := cfg.BannerFile
		r.BannerFile = &banner
	}
	return r
}
