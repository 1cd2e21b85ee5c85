// Package rpc carries typed request and response values over gRPC as google.protobuf.Struct
// messages, so services can be declared with a plain grpc.ServiceDesc.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts v to a Struct through its JSON form. v must encode as a JSON object.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode %T: not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from msg. A nil msg leaves v unchanged.
func Decode(msg *structpb.Struct, v any) error {
	if msg == nil {
		return nil
	}
	b, err := msg.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Method builds a unary MethodDesc for service whose handler decodes Req, calls call on the
// registered implementation and encodes Resp. Server interceptors see the Struct request.
func Method[Impl any, Req any, Resp any](service, name string, call func(impl Impl, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, msg any) (any, error) {
				var req Req
				if err := Decode(msg.(*structpb.Struct), &req); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
				}
				resp, err := call(srv.(Impl), ctx, &req)
				if err != nil {
					return nil, err
				}
				out, err := Encode(resp)
				if err != nil {
					return nil, status.Error(codes.Internal, "failed to encode response")
				}
				return out, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handle)
		},
	}
}

// Invoke calls fullMethod on cc with req encoded as a Struct and decodes the reply into resp.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, fullMethod string, req, resp any, opts ...grpc.CallOption) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, fullMethod, in, out, opts...); err != nil {
		return err
	}
	return Decode(out, resp)
}
