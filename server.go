package fleet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"
	"go.uber.org/zap"
)

// Server is a TCP or TLS listener with its own accept loop, client set and
// work loop. It implements Listener.
type Server struct {
	desc     ListenerDescriptor
	name     string
	notifier Notifier
	opts     options
	logger   *zap.Logger

	mu          sync.Mutex
	listener    net.Listener
	activeConns int64
	activeSet   map[ConnID]*Client
	started     bool
	stopped     bool
	startedAt   time.Time

	accepted      atomic.Uint64
	rejected      atomic.Uint64
	killed        atomic.Uint64
	eventsDropped atomic.Uint64

	posts    chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a listener for desc. Nothing is bound until Start.
func NewServer(desc ListenerDescriptor, n Notifier, opts ...Option) *Server {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	name := desc.DisplayName()
	return &Server{
		desc:      desc,
		name:      name,
		notifier:  n,
		opts:      o,
		logger:    o.logger.With(zap.String("server", name)),
		activeSet: make(map[ConnID]*Client),
		posts:     make(chan func(), o.postBuf),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// newServerListener is the default ListenerFactory
func newServerListener(desc ListenerDescriptor, n Notifier, opts ...Option) Listener {
	return NewServer(desc, n, opts...)
}

// Name returns the display name, e.g. "TCP 0.0.0.0:50001"
func (s *Server) Name() string {
	return s.name
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listen address and starts the accept and work loops
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerStopped
	}
	if s.started {
		return nil
	}

	var tlsConfig *tls.Config
	if s.desc.Transport == TransportEncrypted {
		cert, err := tls.LoadX509KeyPair(s.opts.certFile, s.opts.keyFile)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrTLSConfig, s.name, err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ln, err := s.opts.listen("tcp", s.desc.Address())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, s.name, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	s.listener = ln
	s.started = true
	s.startedAt = s.opts.clock.Now()

	s.wg.Add(2)
	go s.loop()
	go s.acceptLoop(ln)

	s.logger.Info("server started", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Stop closes the listener and every client and waits for all goroutines
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		ln := s.listener
		// Create a slice of clients to close, so we can release the lock
		clients := make([]*Client, 0, len(s.activeSet))
		for _, c := range s.activeSet {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		s.cancel()
		if !started {
			return
		}
		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}

		// Close all clients outside the lock to avoid deadlock
		for _, c := range clients {
			c.Close()
		}
		s.wg.Wait()
		s.logger.Info("server stopped")
	})
	return err
}

// Post schedules fn on the server's work loop without blocking
func (s *Server) Post(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return false
	}
	select {
	case s.posts <- fn:
		return true
	default:
		return false
	}
}

// Kill closes client id if it is still connected
func (s *Server) Kill(id ConnID) {
	kill := func() {
		s.mu.Lock()
		c := s.activeSet[id]
		s.mu.Unlock()
		if c == nil {
			return
		}
		s.killed.Add(1)
		s.logger.Debug("killing client", zap.Uint64("client", uint64(id)), zap.Stringer("address", c.addr))
		c.Close()
	}
	if !s.Post(kill) {
		s.mu.Lock()
		running := s.started && !s.stopped
		s.mu.Unlock()
		if running {
			// queue full; the kill must still land
			go kill()
		}
	}
}

// Broadcast queues ev for every connected client
func (s *Server) Broadcast(ev any) {
	ok := s.Post(func() {
		for _, c := range s.clients() {
			if !c.deliver(ev) {
				s.eventsDropped.Add(1)
			}
		}
	})
	if !ok {
		s.eventsDropped.Add(1)
		s.logger.Debug("broadcast dropped, work queue unavailable")
	}
}

// clients returns a snapshot of the active set
func (s *Server) clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.activeSet))
	for _, c := range s.activeSet {
		out = append(out, c)
	}
	return out
}

// release drops c from the active set and frees its slot
func (s *Server) release(c *Client) {
	s.mu.Lock()
	if _, ok := s.activeSet[c.id]; ok {
		delete(s.activeSet, c.id)
		s.activeConns--
	}
	s.mu.Unlock()
}

func (s *Server) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.posts:
			s.run(fn)
		}
	}
}

func (s *Server) run(fn func()) {
	defer func() {
		// Record panics and keep the loop alive
		if r := recover(); r != nil {
			s.logger.Error("panic in server loop", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var catcher tec.TempErrCatcher
	for {
		if s.opts.limiter != nil {
			if err := s.opts.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		c, err := s.accept(ln)
		if err != nil {
			if errors.Is(err, ErrMaxConnsReached) {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrServerStopped) {
				return
			}
			if catcher.IsTemporary(err) {
				s.logger.Debug("temporary accept error", zap.Error(err))
				continue
			}
			s.logger.Error("accept failed, server no longer accepting", zap.Error(err))
			return
		}
		catcher.Reset()

		if !c.announce() {
			continue
		}
		s.serve(c)
	}
}

// accept takes one connection off ln while enforcing the connection limit
func (s *Server) accept(ln net.Listener) (*Client, error) {
	// Atomically reserve a connection slot before calling Accept()
	s.mu.Lock()
	full := s.opts.maxConns > 0 && s.activeConns >= int64(s.opts.maxConns)
	if !full {
		s.activeConns++
	}
	s.mu.Unlock()

	conn, err := ln.Accept()
	if err != nil {
		if !full {
			// Accept failed, release the reserved slot
			s.mu.Lock()
			s.activeConns--
			s.mu.Unlock()
		}
		return nil, err
	}

	if full {
		s.rejected.Add(1)
		s.logger.Debug("listener full, connection refused", zap.Stringer("remote", conn.RemoteAddr()))
		conn.Close()
		return nil, ErrMaxConnsReached
	}

	c := newClient(s, conn)

	// Add to active set (connection count already incremented above)
	s.mu.Lock()
	s.activeSet[c.id] = c
	stopped := s.stopped
	s.mu.Unlock()
	s.accepted.Add(1)

	if stopped {
		c.Close()
		return nil, ErrServerStopped
	}
	return c, nil
}

func (s *Server) serve(c *Client) {
	h := s.opts.handler
	if h == nil {
		h = HandlerFunc(drainClient)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer c.Close()
		if err := h.ServeClient(s.ctx, c); err != nil && s.ctx.Err() == nil {
			s.logger.Debug("client handler returned", zap.Uint64("client", uint64(c.id)), zap.Error(err))
		}
	}()
}

// drainClient discards client input until the connection goes away
func drainClient(ctx context.Context, c *Client) error {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return err
		}
	}
}
