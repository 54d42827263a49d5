// internal/handler/grpc/module.go
package grpc

import (
	"go.uber.org/fx"

	grpcsrv "github.com/mlsds/delivery-service/infra/server/grpc"
)

var Module = fx.Module("delivery-grpc",
	fx.Provide(
		NewDeliveryServer,
	),
	fx.Invoke(registerDeliveryServer),
)

func registerDeliveryServer(server *grpcsrv.Server, delivery *DeliveryServer) {
	server.RegisterService(&ServiceDesc, delivery)
}
