package cmd

import (
	"github.com/mlsds/delivery-service/config"
	grpcsrv "github.com/mlsds/delivery-service/infra/server/grpc"
	httpsrv "github.com/mlsds/delivery-service/infra/server/http"
	"github.com/mlsds/delivery-service/internal/domain/registry"
	"github.com/mlsds/delivery-service/internal/handler/amqp"
	grpchandler "github.com/mlsds/delivery-service/internal/handler/grpc"
	"github.com/mlsds/delivery-service/internal/service"
	"github.com/mlsds/delivery-service/internal/store/postgres"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		postgres.Module,
		registry.Module,
		service.Module,
		amqp.Module,
		grpchandler.Module,
		grpcsrv.Module,
		httpsrv.Module,
	)
}
