// Package http wires the auxiliary HTTP listeners that carry the websocket
// and long-poll fallback transports for subscribeConvoEvents, each on its
// own configured address since they're independent fallback channels.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"

	"github.com/mlsds/delivery-service/config"
	"github.com/mlsds/delivery-service/internal/handler/lp"
	"github.com/mlsds/delivery-service/internal/handler/ws"
)

func registerAndServe(lc fx.Lifecycle, logger *slog.Logger, name, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
					logger.Error("HTTP_SERVE_FAILED", slog.String("server", name), slog.Any("err", err))
				}
			}()
			logger.Info("HTTP_LISTENING", slog.String("server", name), slog.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func runServers(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, wsHandler *ws.WSHandler, lpHandler *lp.LPHandler) {
	wsRouter := chi.NewRouter()
	wsRouter.Handle("/v1/stream", wsHandler)
	registerAndServe(lc, logger, "ws", cfg.WSAddr, wsRouter)

	lpRouter := chi.NewRouter()
	lpRouter.Get("/v1/poll", lpHandler.Poll)
	registerAndServe(lc, logger, "lp", cfg.LPAddr, lpRouter)
}

var Module = fx.Module("ws-lp-server",
	fx.Provide(ws.NewWSHandler, lp.NewLPHandler),
	fx.Invoke(runServers),
)
