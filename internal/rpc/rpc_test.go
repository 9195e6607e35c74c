package rpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/structpb"
)

const testService = "gohome.test.v1.EchoService"

func dial(t *testing.T, register func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRegisterAndCall(t *testing.T) {
	require := require.New(t)

	conn := dial(t, func(s *grpc.Server) {
		err := Register(s, testService,
			Method{Name: "Echo", Handler: func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				return ToStruct(map[string]any{"said": String(req, "say"), "codes": []int{101, 102}})
			}},
			Method{Name: "Fail", Handler: func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
				return nil, status.Error(codes.NotFound, "nope")
			}},
		)
		require.NoError(err)
	})

	resp, err := Call(context.Background(), conn, testService, "Echo", map[string]any{"say": "hi"})
	require.NoError(err)
	require.Equal("hi", resp["said"])
	require.Equal([]any{float64(101), float64(102)}, resp["codes"])

	_, err = Call(context.Background(), conn, testService, "Fail", nil)
	require.Equal(codes.NotFound, status.Code(err))
}

func TestRegisterPublishesDescriptor(t *testing.T) {
	srv := grpc.NewServer()
	require.NoError(t, Register(srv, "gohome.test.v1.DescribedService", Method{Name: "Ping", Handler: nil}))

	d, err := protoregistry.GlobalFiles.FindDescriptorByName("gohome.test.v1.DescribedService")
	require.NoError(t, err)
	svc, ok := d.(protoreflect.ServiceDescriptor)
	require.True(t, ok)
	require.Equal(t, 1, svc.Methods().Len())
	assert.Equal(t, protoreflect.FullName("google.protobuf.Struct"), svc.Methods().Get(0).Input().FullName())

	require.Error(t, Register(grpc.NewServer(), "Unqualified"))
}

func TestInterceptorSeesStructRequest(t *testing.T) {
	var seen string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod + ":" + String(req.(*structpb.Struct), "id")
		return handler(ctx, req)
	}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	require.NoError(t, Register(srv, "gohome.test.v1.InterceptedService", Method{
		Name: "Get",
		Handler: func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return ToStruct(nil)
		},
	}))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	_, err = Call(context.Background(), conn, "gohome.test.v1.InterceptedService", "Get", map[string]any{"id": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "/gohome.test.v1.InterceptedService/Get:abc", seen)
}

func TestToStructAndAccessors(t *testing.T) {
	s, err := ToStruct(map[string]any{"name": "Rocky", "battery": 87, "params": []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "Rocky", String(s, "name"))
	assert.Equal(t, "", String(s, "battery"))
	assert.Equal(t, float64(87), Value(s, "battery"))
	assert.Equal(t, []any{"a"}, Value(s, "params"))
	assert.Nil(t, Value(s, "missing"))

	_, err = ToStruct([]int{1})
	assert.Error(t, err)

	_, err = ToStruct(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}
