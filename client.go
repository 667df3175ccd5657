package fleet

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

// Client wraps an accepted net.Conn to track its lifecycle
type Client struct {
	net.Conn
	id          ConnID
	addr        netip.Addr
	server      *Server
	events      chan any
	done        chan struct{}
	connectedAt time.Time

	mu        sync.Mutex
	announced bool
	closed    bool
}

func newClient(s *Server, conn net.Conn) *Client {
	return &Client{
		Conn:        conn,
		id:          nextConnID(),
		addr:        remoteAddr(conn),
		server:      s,
		events:      make(chan any, s.opts.eventBuf),
		done:        make(chan struct{}),
		connectedAt: s.opts.clock.Now(),
	}
}

// remoteAddr extracts the peer IP of conn; the zero Addr if it has none
func remoteAddr(conn net.Conn) netip.Addr {
	ra := conn.RemoteAddr()
	if ra == nil {
		return netip.Addr{}
	}
	if tcp, ok := ra.(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap().WithZone("")
	}
	ap, err := netip.ParseAddrPort(ra.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap().WithZone("")
}

// ID returns the connection id
func (c *Client) ID() ConnID {
	return c.id
}

// Addr returns the client's source address
func (c *Client) Addr() netip.Addr {
	return c.addr
}

// Events returns the channel broadcast events are delivered on
func (c *Client) Events() <-chan any {
	return c.events
}

// Done is closed once the client has been closed
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// announce reports the client to the server's notifier. It returns false if
// the client was closed first, in which case nothing is reported.
func (c *Client) announce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.announced = true
	if n := c.server.notifier; n != nil {
		n.Connected(c.id, c.addr)
	}
	return true
}

// deliver queues ev without blocking; it reports false if the queue was full
func (c *Client) deliver(ev any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Close implements net.Conn Close with connection tracking
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	announced := c.announced
	close(c.done)
	c.mu.Unlock()

	err := c.Conn.Close()
	c.server.release(c)
	if announced {
		if n := c.server.notifier; n != nil {
			n.Disconnected(c.id, c.addr)
		}
	}
	return err
}
