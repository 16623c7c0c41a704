package remote

import (
	"context"

	"github.com/openbis/dropboxd/pkg/types"
	"google.golang.org/grpc"
)

const serviceName = "dropboxd.EntityStore"

// Wire messages

type DrawRegistrationIDRequest struct{}

type DrawRegistrationIDResponse struct {
	ID types.RegistrationID `json:"id"`
}

type CreateDataSetCodeRequest struct{}

type CreateDataSetCodeResponse struct {
	Code string `json:"code"`
}

type RegisterMetadataRequest struct {
	ID        types.RegistrationID `json:"id"`
	Mutations *types.Mutations     `json:"mutations"`
}

type RegisterMetadataResponse struct{}

type OperationsStateRequest struct {
	ID types.RegistrationID `json:"id"`
}

type OperationsStateResponse struct {
	State types.EntityOperationsState `json:"state"`
}

type ConfirmStorageRequest struct {
	Code string `json:"code"`
}

type ConfirmStorageResponse struct {
	Confirmed bool `json:"confirmed"`
}

type PingRequest struct{}

type PingResponse struct{}

// entityStoreServer is implemented by Server
type entityStoreServer interface {
	DrawRegistrationID(context.Context, *DrawRegistrationIDRequest) (*DrawRegistrationIDResponse, error)
	CreateDataSetCode(context.Context, *CreateDataSetCodeRequest) (*CreateDataSetCodeResponse, error)
	RegisterMetadata(context.Context, *RegisterMetadataRequest) (*RegisterMetadataResponse, error)
	DidEntityOperationsSucceed(context.Context, *OperationsStateRequest) (*OperationsStateResponse, error)
	ConfirmStorage(context.Context, *ConfirmStorageRequest) (*ConfirmStorageResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unaryHandler builds a grpc.MethodDesc handler for one method
func unaryHandler[Req any, Resp any](name string, call func(entityStoreServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(entityStoreServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*entityStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("DrawRegistrationID", entityStoreServer.DrawRegistrationID),
		unaryHandler("CreateDataSetCode", entityStoreServer.CreateDataSetCode),
		unaryHandler("RegisterMetadata", entityStoreServer.RegisterMetadata),
		unaryHandler("DidEntityOperationsSucceed", entityStoreServer.DidEntityOperationsSucceed),
		unaryHandler("ConfirmStorage", entityStoreServer.ConfirmStorage),
		unaryHandler("Ping", entityStoreServer.Ping),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dropboxd/entity_store",
}
