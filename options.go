package fleet

import (
	"net"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ListenerFactory builds the listener for a descriptor
type ListenerFactory func(desc ListenerDescriptor, n Notifier, opts ...Option) Listener

type options struct {
	maxConns  int
	limiter   *rate.Limiter
	handler   Handler
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *Metrics
	eventBuf  int
	postBuf   int
	listen    func(network, address string) (net.Listener, error)
	certFile  string
	keyFile   string
	factory   ListenerFactory
	serverOps []Option
}

// Option configures a Server or a Manager. Options that make no sense for
// the receiver are ignored.
type Option func(*options)

func defaultOptions() options {
	return options{
		maxConns: 1000, // default limit
		logger:   zap.NewNop(),
		clock:    clock.New(),
		eventBuf: 16,
		postBuf:  64,
		listen:   net.Listen,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxConnections sets the maximum number of concurrent connections per listener
func WithMaxConnections(max int) Option {
	return func(o *options) {
		o.maxConns = max
	}
}

// WithRateLimit sets connections per second limit per listener
func WithRateLimit(perSecond float64) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHandler sets the handler serving each client
func WithHandler(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetrics sets the prometheus collectors the manager reports to
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEventBuffer sets how many broadcast events may queue per client
// before new ones are dropped.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuf = n
		}
	}
}

// WithPostBuffer sets the depth of a server's work queue
func WithPostBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.postBuf = n
		}
	}
}

// WithListenFunc replaces net.Listen
func WithListenFunc(fn func(network, address string) (net.Listener, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.listen = fn
		}
	}
}

// WithCertificate sets the PEM certificate and key used by encrypted listeners
func WithCertificate(certFile, keyFile string) Option {
	return func(o *options) {
		o.certFile = certFile
		o.keyFile = keyFile
	}
}

// WithListenerFactory replaces the function the manager uses to build
// listeners.
func WithListenerFactory(f ListenerFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithServerOptions appends options the manager passes to every listener it builds
func WithServerOptions(opts ...Option) Option {
	return func(o *options) {
		o.serverOps = append(o.serverOps, opts...)
	}
}
