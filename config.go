package fleet

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config is what Manager.Start needs to build a fleet
type Config struct {
	// Plain and Encrypted list the listen addresses in configuration
	// order. The Transport field of each entry is overwritten.
	Plain     []ListenerDescriptor
	Encrypted []ListenerDescriptor

	// CertFile and KeyFile are PEM files used by every encrypted listener
	CertFile string
	KeyFile  string

	MaxConnsPerAddress int
	Exclusions         []Subnet

	// StatsTimeout bounds Manager.Stats across all listeners
	StatsTimeout time.Duration

	// Passed through to Report unchanged
	DonationAddress string
	BannerFile      string
}

// Descriptors returns every listener descriptor, plain first then encrypted
func (c Config) Descriptors() []ListenerDescriptor {
	out := make([]ListenerDescriptor, 0, len(c.Plain)+len(c.Encrypted))
	for _, d := range c.Plain {
		d.Transport = TransportPlain
		out = append(out, d)
	}
	for _, d := range c.Encrypted {
		d.Transport = TransportEncrypted
		out = append(out, d)
	}
	return out
}

// Validate reports every problem with the config at once
func (c Config) Validate() error {
	var err error
	for _, d := range c.Descriptors() {
		if d.Port < 0 || d.Port > 65535 {
			err = multierr.Append(err, fmt.Errorf("%w: %s: port out of range", ErrInvalidConfig, d.DisplayName()))
		}
	}
	if len(c.Encrypted) > 0 && (c.CertFile == "" || c.KeyFile == "") {
		err = multierr.Append(err, fmt.Errorf("%w: encrypted listeners need a certificate and key", ErrInvalidConfig))
	}
	if c.MaxConnsPerAddress < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max connections per address must be positive", ErrInvalidConfig))
	}
	if c.StatsTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative stats timeout", ErrInvalidConfig))
	}
	for i, sn := range c.Exclusions {
		if !sn.Prefix.IsValid() {
			err = multierr.Append(err, fmt.Errorf("%w: exclusion %d is not a valid subnet", ErrInvalidConfig, i))
		}
	}
	return err
}
