package fleet

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called on a running fleet
	ErrAlreadyStarted = errors.New("fleet: already started")

	// ErrBind is returned when a listener cannot bind its address
	ErrBind = errors.New("fleet: bind failed")

	// ErrTLSConfig is returned when an encrypted listener has no usable certificate
	ErrTLSConfig = errors.New("fleet: tls configuration")

	// ErrServerStopped is returned by operations on a stopped server
	ErrServerStopped = errors.New("fleet: server stopped")

	// ErrInvalidSubnet is returned by ParseSubnet for malformed input
	ErrInvalidSubnet = errors.New("fleet: invalid subnet")

	// ErrInvalidConfig is returned when a Config fails validation
	ErrInvalidConfig = errors.New("fleet: invalid config")
)

// ErrMaxConnsReached is returned when a listener's connection limit is reached
var ErrMaxConnsReached = errors.New("fleet: maximum connections reached")
