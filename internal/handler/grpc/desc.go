package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "mlsds.v1.DeliveryService"

// unaryHandler adapts one (*DeliveryServer, context.Context, *Req) -> (*Resp,
// error) method into the grpc.methodHandler shape a generated stub would
// produce, without requiring protoc to emit it.
func unaryHandler[Req any, Resp any](fullMethod string, fn func(*DeliveryServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(*DeliveryServer)
		if interceptor == nil {
			return fn(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(server, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func method[Req any, Resp any](name string, fn func(*DeliveryServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler:    unaryHandler("/"+serviceName+"/"+name, fn),
	}
}

// ServiceDesc is the hand-declared equivalent of what protoc-gen-go-grpc
// would emit for every §6 route, registered against the DeliveryServer
// implementation instead of a generated interface. See the "wire transport
// codec" decision in DESIGN.md.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		method("CreateConvo", (*DeliveryServer).CreateConvo),
		method("AddMembers", (*DeliveryServer).AddMembers),
		method("RemoveMember", (*DeliveryServer).RemoveMember),
		method("LeaveConvo", (*DeliveryServer).LeaveConvo),
		method("PromoteAdmin", (*DeliveryServer).PromoteAdmin),
		method("DemoteAdmin", (*DeliveryServer).DemoteAdmin),
		method("SendMessage", (*DeliveryServer).SendMessage),
		method("GetMessages", (*DeliveryServer).GetMessages),
		method("GetCommits", (*DeliveryServer).GetCommits),
		method("GetConvos", (*DeliveryServer).GetConvos),
		method("GetWelcome", (*DeliveryServer).GetWelcome),
		method("ConsumeWelcome", (*DeliveryServer).ConsumeWelcome),
		method("DeliverWelcome", (*DeliveryServer).DeliverWelcome),
		method("GetGroupInfo", (*DeliveryServer).GetGroupInfo),
		method("ProcessExternalCommit", (*DeliveryServer).ProcessExternalCommit),
		method("MarkNeedsRejoin", (*DeliveryServer).MarkNeedsRejoin),
		method("PublishKeyPackage", (*DeliveryServer).PublishKeyPackage),
		method("GetKeyPackages", (*DeliveryServer).GetKeyPackages),
		method("RegisterDevice", (*DeliveryServer).RegisterDevice),
		method("RegisterDeviceToken", (*DeliveryServer).RegisterDeviceToken),
		method("ReportMember", (*DeliveryServer).ReportMember),
		method("GetReports", (*DeliveryServer).GetReports),
		method("ResolveReport", (*DeliveryServer).ResolveReport),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeConvoEvents",
			ServerStreams: true,
			Handler:       subscribeConvoEventsHandler,
		},
	},
	Metadata: "mlsds/v1/delivery.proto",
}

func subscribeConvoEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeConvoEventsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*DeliveryServer).SubscribeConvoEvents(req, &subscribeConvoEventsServer{stream})
}

type subscribeConvoEventsServer struct {
	grpc.ServerStream
}

func (s *subscribeConvoEventsServer) Send(ev *EventDTO) error {
	return s.ServerStream.SendMsg(ev)
}
