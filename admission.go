package fleet

import (
	"net/netip"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxConnsPerAddress is the per-address cap used when none is configured
const DefaultMaxConnsPerAddress = 12

// AdmissionController enforces the per-address connection cap across every
// listener of the fleet. Listeners report accepted and closed connections;
// the controller answers whether a new connection has to be evicted.
//
// The check runs after the transport accepted the connection, so an address
// may briefly hold more than the cap until the eviction lands.
type AdmissionController struct {
	mu         sync.Mutex
	registry   *Registry
	maxPerAddr int
	exclusions []Subnet
	logger     *zap.Logger
	metrics    *Metrics
}

// NewAdmissionController creates a controller capping every address at
// maxPerAddr live connections, except addresses inside one of exclusions.
func NewAdmissionController(maxPerAddr int, exclusions []Subnet, logger *zap.Logger, metrics *Metrics) *AdmissionController {
	if maxPerAddr < 1 {
		maxPerAddr = DefaultMaxConnsPerAddress
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionController{
		registry:   NewRegistry(),
		maxPerAddr: maxPerAddr,
		exclusions: append([]Subnet(nil), exclusions...),
		logger:     logger,
		metrics:    metrics,
	}
}

// OnConnect registers id under addr and reports whether the connection
// exceeds the cap and must be evicted by its owning listener.
func (a *AdmissionController) OnConnect(id ConnID, addr netip.Addr) (evict bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.registry.Add(addr, id)
	a.metrics.connected(a.registry.Len())
	if n <= a.maxPerAddr {
		return false
	}

	if sn, ok := MatchSubnet(a.exclusions, addr); ok {
		a.logger.Debug("connection limit waived for excluded subnet",
			zap.Int("limit", a.maxPerAddr),
			zap.Uint64("client", uint64(id)),
			zap.Stringer("address", addr),
			zap.Stringer("subnet", sn))
		a.metrics.waived()
		return false
	}

	a.logger.Info("connection limit exceeded, connection refused",
		zap.Int("limit", a.maxPerAddr),
		zap.Uint64("client", uint64(id)),
		zap.Stringer("address", addr))
	a.metrics.evicted()
	return true
}

// OnDisconnect removes one occurrence of id from addr's entry. Missing or
// duplicated entries are logged, never fatal.
func (a *AdmissionController) OnDisconnect(id ConnID, addr netip.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := a.registry.Remove(addr, id)
	switch {
	case count == 0:
		a.logger.Warn("disconnect for untracked client",
			zap.Uint64("client", uint64(id)),
			zap.Stringer("address", addr))
		a.metrics.inconsistent()
	case count > 1:
		a.logger.Warn("multiple entries for client id",
			zap.Uint64("client", uint64(id)),
			zap.Stringer("address", addr),
			zap.Int("entries", count))
		a.metrics.inconsistent()
	default:
		if a.registry.MaybeCompact() {
			a.logger.Debug("compacted connection registry", zap.Int("addresses", a.registry.Len()))
		}
	}
	a.metrics.disconnected(a.registry.Len())
}

// Count returns the number of live connections tracked for addr
func (a *AdmissionController) Count(addr netip.Addr) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.Count(addr)
}

// Addresses returns the number of distinct addresses currently tracked
func (a *AdmissionController) Addresses() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.Len()
}

// MaxPerAddress returns the configured cap
func (a *AdmissionController) MaxPerAddress() int {
	return a.maxPerAddr
}
