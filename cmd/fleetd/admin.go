package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/go-i2p/go-fleet"
	"github.com/go-i2p/go-fleet/config"
)

const maxBroadcastBody = 64 << 10

// broadcaster is the part of fleet.Manager the admin endpoints need
type broadcaster interface {
	Broadcast(ev any)
	Stats() fleet.Report
}

func newAdminServer(file config.File, m *fleet.Manager, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              file.Admin,
		Handler:           adminMux(m, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func adminMux(m broadcaster, reg *prometheus.Registry, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m.Stats()); err != nil {
			logger.Warn("failed to write stats", zap.Error(err))
		}
	})

	mux.HandleFunc("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBroadcastBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var ev any = string(body)
		if json.Valid(body) {
			ev = json.RawMessage(body)
		}
		m.Broadcast(ev)
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func registerAdmin(lc fx.Lifecycle, srv *http.Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("admin endpoint listening", zap.Stringer("addr", ln.Addr()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin endpoint failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
