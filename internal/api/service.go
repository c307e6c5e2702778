// Package api exposes the daemon over gRPC. The ControlService speaks
// google.protobuf.Struct in both directions so requests stay schemaless.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "convsync.v1.ControlService"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodUnsubscribe       = "Unsubscribe"
	MethodSendMessage       = "SendMessage"
	MethodMarkRead          = "MarkRead"
	MethodSetTyping         = "SetTyping"
	MethodBulkDelete        = "BulkDelete"
	MethodBulkMarkRead      = "BulkMarkRead"
	MethodUndoOperation     = "UndoOperation"
	MethodWatchEvents       = "WatchEvents"
)

// ControlServer is the server API for the ControlService.
type ControlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unsubscribe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BulkDelete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BulkMarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UndoOperation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the ControlService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ControlServer.GetStatus),
		unary(MethodListConversations, ControlServer.ListConversations),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodUnsubscribe, ControlServer.Unsubscribe),
		unary(MethodSendMessage, ControlServer.SendMessage),
		unary(MethodMarkRead, ControlServer.MarkRead),
		unary(MethodSetTyping, ControlServer.SetTyping),
		unary(MethodBulkDelete, ControlServer.BulkDelete),
		unary(MethodBulkMarkRead, ControlServer.BulkMarkRead),
		unary(MethodUndoOperation, ControlServer.UndoOperation),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ControlServer).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "convsync/v1/control.proto",
}

// RegisterControlServer registers srv with s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the ControlService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Call invokes method with req and returns the response fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch streams bus events whose kind starts with namespace until ctx ends.
// fn runs for every event; a non-nil return stops the stream.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(map[string]any) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/"+MethodWatchEvents)
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(out.AsMap()); err != nil {
			return err
		}
	}
}

// Detail is the structured part of a failed bulk call.
type Detail struct {
	Kind      string
	Hint      string
	Retriable bool
}

// ErrorDetail extracts the Detail attached to a gRPC error.
func ErrorDetail(err error) (Detail, bool) {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return Detail{}, false
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		f := s.GetFields()
		return Detail{
			Kind:      f["kind"].GetStringValue(),
			Hint:      f["hint"].GetStringValue(),
			Retriable: f["retriable"].GetBoolValue(),
		}, true
	}
	return Detail{}, false
}
