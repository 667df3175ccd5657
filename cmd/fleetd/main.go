// Command fleetd runs a fleet of plaintext and TLS listeners with a shared
// per-address connection limit and an admin HTTP endpoint.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/go-i2p/go-fleet/config"
)

func main() {
	configPath := flag.String("config", "fleetd.json", "path to the JSON configuration file")
	flag.Parse()

	file, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(file),
		fx.Provide(
			newLogger,
			newFleetConfig,
			newRegistry,
			newManager,
			newAdminServer,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(registerFleet, registerAdmin),
	)
	app.Run()
}
