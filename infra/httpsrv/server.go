// Package httpsrv hosts the HTTP surface: the WebSocket endpoint plus
// health and stats probes.
package httpsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"

	"github.com/crowdlab/session-engine/internal/config"
	"github.com/crowdlab/session-engine/internal/handler/ws"
	"github.com/crowdlab/session-engine/internal/service"
)

func NewRouter(wsHandler *ws.WSHandler, engine *service.Engine, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", wsHandler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(engine.Stats()); err != nil {
			logger.Error("stats encode failed", "error", err)
		}
	})

	return r
}

func NewServer(cfg *config.Config, r *chi.Mux) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

var Module = fx.Module("httpsrv",
	fx.Provide(
		NewRouter,
		NewServer,
	),
	fx.Invoke(func(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				// Bind synchronously so a taken port fails startup
				// instead of dying in a goroutine.
				ln, err := net.Listen("tcp", srv.Addr)
				if err != nil {
					return fmt.Errorf("httpsrv: listen %s: %w", srv.Addr, err)
				}
				logger.Info("http server listening", "addr", srv.Addr)
				go func() {
					if serr := srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
						logger.Error("http server stopped", "error", serr)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
