package fleet

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// controlledMockListener allows us to control when Accept() returns
type controlledMockListener struct {
	connChan   chan net.Conn
	errChan    chan error
	closed     bool
	mu         sync.Mutex
	acceptCh   chan struct{} // Signal to allow Accept() to proceed
	acceptWait bool          // Whether Accept() should wait
}

func newControlledMockListener() *controlledMockListener {
	return &controlledMockListener{
		connChan: make(chan net.Conn, 100),
		errChan:  make(chan error, 10),
		acceptCh: make(chan struct{}, 100), // Buffered channel
	}
}

func (m *controlledMockListener) Accept() (net.Conn, error) {
	// Wait for signal if control is enabled
	if m.acceptWait {
		<-m.acceptCh
	}

	select {
	case conn := <-m.connChan:
		return conn, nil
	case err := <-m.errChan:
		return nil, err
	default:
		// Return a mock connection if no specific conn/err was queued
		return newMockConn("10.0.0.5"), nil
	}
}

func (m *controlledMockListener) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.connChan)
		close(m.errChan)
	}
	return nil
}

func (m *controlledMockListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (m *controlledMockListener) enableAcceptControl() {
	m.acceptWait = true
}

func (m *controlledMockListener) releaseAllAccepts(count int) {
	for i := 0; i < count; i++ {
		m.acceptCh <- struct{}{}
	}
}

// TestConcurrentAcceptRespectsLimit stresses the slot reservation in
// Server.accept with many concurrent callers.
func TestConcurrentAcceptRespectsLimit(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		mockL := newControlledMockListener()
		s := NewServer(ListenerDescriptor{Host: "127.0.0.1", Port: 8080}, nil, WithMaxConnections(2))

		// Pre-signal the accepts to avoid blocking
		mockL.enableAcceptControl()
		mockL.releaseAllAccepts(10)

		var wg sync.WaitGroup
		var successful, refused int64
		var clients []*Client
		var clientsMu sync.Mutex

		numGoroutines := 5
		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				c, err := s.accept(mockL)
				switch {
				case err == nil:
					atomic.AddInt64(&successful, 1)
					clientsMu.Lock()
					clients = append(clients, c)
					clientsMu.Unlock()
				case err == ErrMaxConnsReached:
					atomic.AddInt64(&refused, 1)
				default:
					t.Errorf("Unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if n := atomic.LoadInt64(&successful); n > 2 {
			t.Fatalf("attempt %d: %d connections accepted (limit was 2)", attempt+1, n)
		}
		if n := atomic.LoadInt64(&successful) + atomic.LoadInt64(&refused); n != int64(numGoroutines) {
			t.Fatalf("attempt %d: %d outcomes, want %d", attempt+1, n, numGoroutines)
		}

		clientsMu.Lock()
		for _, c := range clients {
			c.Close()
		}
		clientsMu.Unlock()
		mockL.Close()

		if st := s.stats(); st.ActiveConnections != 0 {
			t.Fatalf("attempt %d: %d slots still held after close", attempt+1, st.ActiveConnections)
		}
	}
}
