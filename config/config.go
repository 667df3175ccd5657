// Package config loads the fleetd JSON configuration file and converts it
// into a fleet.Config.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/go-i2p/go-fleet"
)

// File mirrors the on-disk configuration
type File struct {
	TCP []string `json:"tcp"`
	SSL []string `json:"ssl"`

	Cert string `json:"cert"`
	Key  string `json:"key"`

	MaxClientsPerIP int      `json:"max_clients_per_ip"`
	ExcludedSubnets []string `json:"subnets_excluded_from_per_ip_limits"`

	MaxClientsPerListener int     `json:"max_clients_per_listener"`
	AcceptRate            float64 `json:"accept_rate"`

	StatsTimeout Duration `json:"stats_timeout"`

	Donation string `json:"donation"`
	Banner   string `json:"banner"`

	Admin    string `json:"admin"`
	LogLevel string `json:"log_level"`
}

// Default returns the configuration used for keys absent from the file
func Default() File {
	return File{
		MaxClientsPerIP:       fleet.DefaultMaxConnsPerAddress,
		ExcludedSubnets:       []string{"127.0.0.0/8", "::1/128"},
		MaxClientsPerListener: 1000,
		StatsTimeout:          Duration(fleet.DefaultStatsTimeout),
		Admin:                 "127.0.0.1:8080",
		LogLevel:              "info",
	}
}

// Load reads and parses the file at path
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read config file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("invalid config in '%s': %w", path, err)
	}
	return f, nil
}

// Parse decodes data over Default. Unknown keys are an error.
func Parse(data []byte) (File, error) {
	f := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Fleet converts the file into a fleet.Config, reporting every bad entry
func (f File) Fleet() (fleet.Config, error) {
	var errs error
	cfg := fleet.Config{
		CertFile:           f.Cert,
		KeyFile:            f.Key,
		MaxConnsPerAddress: f.MaxClientsPerIP,
		StatsTimeout:       f.StatsTimeout.Duration(),
		DonationAddress:    f.Donation,
		BannerFile:         f.Banner,
	}

	for _, addr := range f.TCP {
		d, err := parseListen(addr)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cfg.Plain = append(cfg.Plain, d)
	}
	for _, addr := range f.SSL {
		d, err := parseListen(addr)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cfg.Encrypted = append(cfg.Encrypted, d)
	}
	for _, s := range f.ExcludedSubnets {
		sn, err := fleet.ParseSubnet(s)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cfg.Exclusions = append(cfg.Exclusions, sn)
	}
	if f.MaxClientsPerIP < 1 {
		errs = multierr.Append(errs, fmt.Errorf("max_clients_per_ip must be at least 1, got %d", f.MaxClientsPerIP))
	}
	if f.StatsTimeout.Duration() < time.Millisecond {
		errs = multierr.Append(errs, fmt.Errorf("stats_timeout too small: %s", f.StatsTimeout.Duration()))
	}
	if len(cfg.Plain)+len(cfg.Encrypted) == 0 && errs == nil {
		errs = multierr.Append(errs, fmt.Errorf("no tcp or ssl listen addresses configured"))
	}

	if errs != nil {
		return fleet.Config{}, errs
	}
	return cfg, cfg.Validate()
}

// Level returns the configured log level
func (f File) Level() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(f.LogLevel)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log_level %q: %w", f.LogLevel, err)
	}
	return lvl, nil
}

func parseListen(addr string) (fleet.ListenerDescriptor, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fleet.ListenerDescriptor{}, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fleet.ListenerDescriptor{}, fmt.Errorf("listen address %q: bad port", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return fleet.ListenerDescriptor{Host: host, Port: port}, nil
}
