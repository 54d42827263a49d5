// Package grpc wires the process's single grpc.Server instance and its
// lifecycle; internal/handler/grpc registers the Delivery Service against
// it via fx.Invoke rather than this package depending back on the handler.
package grpc

import (
	"context"
	"log/slog"
	"net"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware/v2"
	"go.uber.org/fx"
	"google.golang.org/grpc"

	"github.com/mlsds/delivery-service/config"
	"github.com/mlsds/delivery-service/infra/server/grpc/interceptors"
	"github.com/mlsds/delivery-service/internal/service"
)

// Server owns the listener and the underlying *grpc.Server; handler modules
// call Server.RegisterService the same way generated RegisterXxxServer
// functions do.
type Server struct {
	*grpc.Server
	addr     string
	listener net.Listener
	logger   *slog.Logger
}

func NewServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, auther service.Auther) *Server {
	// Auth Gate interceptor runs first, so its own Unauthenticated status
	// reaches the client untouched; the error interceptor then only needs
	// to translate apperr.Error values the route handlers underneath it
	// return.
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcmiddleware.ChainUnaryServer(
			interceptors.NewUnaryAuthInterceptor(auther),
			ErrorUnaryInterceptor(),
		)),
		grpc.StreamInterceptor(grpcmiddleware.ChainStreamServer(
			interceptors.NewStreamAuthInterceptor(auther),
			ErrorStreamInterceptor(),
		)),
	)

	s := &Server{Server: grpcServer, addr: cfg.GRPCAddr, logger: logger}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			lis, err := net.Listen("tcp", s.addr)
			if err != nil {
				return err
			}
			s.listener = lis
			go func() {
				if err := grpcServer.Serve(lis); err != nil {
					logger.Error("GRPC_SERVE_FAILED", slog.Any("err", err))
				}
			}()
			logger.Info("GRPC_LISTENING", slog.String("addr", s.addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			grpcServer.GracefulStop()
			return nil
		},
	})

	return s
}

var Module = fx.Module("grpc-server",
	fx.Provide(NewServer),
)
