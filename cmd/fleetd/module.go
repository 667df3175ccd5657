package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/go-i2p/go-fleet"
	"github.com/go-i2p/go-fleet/config"
)

func newLogger(file config.File) (*zap.Logger, error) {
	lvl, err := file.Level()
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func newFleetConfig(file config.File) (fleet.Config, error) {
	return file.Fleet()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newManager(file config.File, logger *zap.Logger, reg *prometheus.Registry) (*fleet.Manager, error) {
	var banner []byte
	if file.Banner != "" {
		b, err := os.ReadFile(file.Banner)
		if err != nil {
			return nil, fmt.Errorf("failed to read banner file: %w", err)
		}
		banner = b
	}

	return fleet.NewManager(
		fleet.WithLogger(logger),
		fleet.WithMetrics(fleet.NewMetrics(reg)),
		fleet.WithMaxConnections(file.MaxClientsPerListener),
		fleet.WithRateLimit(file.AcceptRate),
		fleet.WithHandler(&notifyHandler{banner: banner, logger: logger}),
	), nil
}

// registerFleet ties the fleet to the application lifecycle. A start error
// aborts application start.
func registerFleet(lc fx.Lifecycle, m *fleet.Manager, cfg fleet.Config) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return m.Start(cfg)
		},
		OnStop: func(_ context.Context) error {
			m.Stop()
			return nil
		},
	})
}
