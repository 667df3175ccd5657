package fleet

import (
	"sort"
	"time"
)

// ServerStats provides current listener statistics
type ServerStats struct {
	Name              string        `json:"name"`
	Transport         string        `json:"transport"`
	Address           string        `json:"address"`
	ActiveConnections int64         `json:"activeConnections"`
	MaxConnections    int           `json:"maxConnections"`
	RateLimit         float64       `json:"rateLimit"`
	Accepted          uint64        `json:"accepted"`
	Rejected          uint64        `json:"rejected"`
	Killed            uint64        `json:"killed"`
	EventsDropped     uint64        `json:"eventsDropped"`
	Uptime            time.Duration `json:"uptime"`
	Clients           []ClientStats `json:"clients"`
}

// ClientStats describes one connected client
type ClientStats struct {
	ID        ConnID        `json:"id"`
	Address   string        `json:"address"`
	Connected time.Duration `json:"connected"`
	Pending   int           `json:"pendingEvents"`
}

// Stats returns current listener statistics
func (s *Server) Stats() any {
	return s.stats()
}

func (s *Server) stats() ServerStats {
	now := s.opts.clock.Now()

	s.mu.Lock()
	// activeConns includes the slot held by a pending Accept
	active := int64(len(s.activeSet))
	addr := s.desc.Address()
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	var uptime time.Duration
	if s.started {
		uptime = now.Sub(s.startedAt)
	}
	clients := make([]ClientStats, 0, len(s.activeSet))
	for _, c := range s.activeSet {
		clients = append(clients, ClientStats{
			ID:        c.id,
			Address:   c.addr.String(),
			Connected: now.Sub(c.connectedAt),
			Pending:   len(c.events),
		})
	}
	s.mu.Unlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })

	var rateLimit float64
	if s.opts.limiter != nil {
		rateLimit = float64(s.opts.limiter.Limit())
	}

	return ServerStats{
		Name:              s.name,
		Transport:         s.desc.Transport.String(),
		Address:           addr,
		ActiveConnections: active,
		MaxConnections:    s.opts.maxConns,
		RateLimit:         rateLimit,
		Accepted:          s.accepted.Load(),
		Rejected:          s.rejected.Load(),
		Killed:            s.killed.Load(),
		EventsDropped:     s.eventsDropped.Load(),
		Uptime:            uptime,
		Clients:           clients,
	}
}
