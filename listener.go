package fleet

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
)

// Transport selects the plaintext or TLS variant of a listener
type Transport int

const (
	TransportPlain Transport = iota
	TransportEncrypted
)

func (t Transport) String() string {
	switch t {
	case TransportPlain:
		return "tcp"
	case TransportEncrypted:
		return "ssl"
	default:
		return "unknown"
	}
}

// ListenerDescriptor describes one configured listen address
type ListenerDescriptor struct {
	Host      string
	Port      int
	Transport Transport
}

// Address returns the host:port form of the descriptor
func (d ListenerDescriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// DisplayName returns the human readable listener name used in reports
func (d ListenerDescriptor) DisplayName() string {
	prefix := "TCP"
	if d.Transport == TransportEncrypted {
		prefix = "SSL"
	}
	return prefix + " " + d.Address()
}

// ConnID identifies a client connection, unique for the life of the process
type ConnID uint64

var lastConnID atomic.Uint64

func nextConnID() ConnID {
	return ConnID(lastConnID.Add(1))
}

// Notifier receives client lifecycle notifications from a listener. For any
// id, Connected is always delivered before Disconnected.
type Notifier interface {
	Connected(id ConnID, addr netip.Addr)
	Disconnected(id ConnID, addr netip.Addr)
}

// Executor runs closures on some other execution context
type Executor interface {
	// Post schedules fn and reports whether it was accepted. It must not
	// block.
	Post(fn func()) bool
}

// Listener is one network endpoint owned by the fleet
type Listener interface {
	Executor

	// Name is the display name used in stats reports
	Name() string

	// Start binds and begins accepting clients
	Start() error

	// Stop closes the endpoint and every client; it is idempotent
	Stop() error

	// Kill closes the client with the given id, if it is still connected
	Kill(id ConnID)

	// Broadcast delivers ev to every connected client
	Broadcast(ev any)

	// Stats returns the listener's status payload. It is only called from
	// a closure passed to Post.
	Stats() any
}

// Handler serves a single client connection. ServeClient runs on its own
// goroutine and the client is closed when it returns.
type Handler interface {
	ServeClient(ctx context.Context, c *Client) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, c *Client) error

func (f HandlerFunc) ServeClient(ctx context.Context, c *Client) error {
	return f(ctx, c)
}
