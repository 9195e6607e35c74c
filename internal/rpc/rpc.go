// Package rpc serves and calls gRPC methods whose request and response are
// google.protobuf.Struct, so services need no generated stubs. Each service
// also gets a synthesized file descriptor so server reflection and grpcurl can
// describe and invoke it.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const structType = ".google.protobuf.Struct"

// Handler serves one unary method.
type Handler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// Method binds a method name to its handler.
type Method struct {
	Name    string
	Handler Handler
}

// Register adds service (fully qualified, e.g. "gohome.registry.v1.Registry")
// with the given methods to the server.
func Register(server grpc.ServiceRegistrar, service string, methods ...Method) error {
	file, err := describe(service, methods)
	if err != nil {
		return err
	}
	desc := &grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*any)(nil),
		Metadata:    file,
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.Name,
			Handler:    unary("/"+service+"/"+m.Name, m.Handler),
		})
	}
	server.RegisterService(desc, struct{}{})
	return nil
}

func unary(fullMethod string, h Handler) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return h(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return h(ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func describe(service string, methods []Method) (string, error) {
	idx := strings.LastIndex(service, ".")
	if idx <= 0 || idx == len(service)-1 {
		return "", fmt.Errorf("service name %q must be package qualified", service)
	}
	pkg, name := service[:idx], service[idx+1:]
	path := strings.ReplaceAll(pkg, ".", "/") + "/" + strings.ToLower(name) + ".proto"
	if _, err := protoregistry.GlobalFiles.FindFileByPath(path); err == nil {
		return path, nil
	}

	svc := &descriptorpb.ServiceDescriptorProto{Name: proto.String(name)}
	for _, m := range methods {
		svc.Method = append(svc.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.Name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(path),
		Package:    proto.String(pkg),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/protobuf/struct.proto"},
		Service:    []*descriptorpb.ServiceDescriptorProto{svc},
	}
	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		return "", fmt.Errorf("build descriptor for %s: %w", service, err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		return "", fmt.Errorf("register descriptor for %s: %w", service, err)
	}
	return path, nil
}

// Call invokes service/method with req and returns the decoded response.
func Call(ctx context.Context, conn grpc.ClientConnInterface, service, method string, req map[string]any) (map[string]any, error) {
	in, err := ToStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ToStruct converts any JSON-encodable value with an object shape into a
// Struct. Typed slices and maps that structpb.NewStruct rejects are accepted.
func ToStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return out, nil
}

// String returns the string field key, or "" when absent or not a string.
func String(s *structpb.Struct, key string) string {
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// Value returns field key as a plain Go value, nil when absent.
func Value(s *structpb.Struct, key string) any {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil
	}
	return v.AsInterface()
}
