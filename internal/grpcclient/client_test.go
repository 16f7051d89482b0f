package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/leaf-check/internal/preprocess"
)

type stubSidecar struct {
	probs     []float64
	err       error
	gotShape  [4]int64
	gotTensor *preprocess.Tensor
}

func (s *stubSidecar) Predict(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	if s.err != nil {
		return nil, s.err
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(ShapeMetadataKey)
	if len(values) != 1 {
		return nil, status.Error(codes.InvalidArgument, "missing shape")
	}
	shape, err := ParseShape(values[0])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tensor, err := DecodeTensor(shape, in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.gotShape = shape
	s.gotTensor = tensor

	list := &structpb.ListValue{}
	for _, p := range s.probs {
		list.Values = append(list.Values, structpb.NewNumberValue(p))
	}
	return list, nil
}

func startSidecar(t *testing.T, srv ClassifierServer, servingStatus healthpb.HealthCheckResponse_ServingStatus) (*RemoteClassifier, *health.Server) {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterClassifierServer(server, srv)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, servingStatus)
	healthpb.RegisterHealthServer(server, healthServer)

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	client, conn, err := DialClassifier(context.Background(), "bufnet", zap.NewNop(), grpc.WithContextDialer(dialer))
	if err != nil {
		t.Fatalf("failed to dial sidecar: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client, healthServer
}

func TestRemoteClassifierPredict(t *testing.T) {
	sidecar := &stubSidecar{probs: []float64{0.1, 0.7, 0.2}}
	client, _ := startSidecar(t, sidecar, healthpb.HealthCheckResponse_SERVING)

	input := &preprocess.Tensor{Shape: [4]int64{1, 2, 2, 3}, Data: []float32{0, 0.25, 0.5, 0.75, 1, 0, 0, 0, 0, 0, 0, 1}}
	probs, err := client.Predict(context.Background(), input)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	want := []float32{0.1, 0.7, 0.2}
	if len(probs) != len(want) {
		t.Fatalf("expected %d probabilities, got %d", len(want), len(probs))
	}
	for i := range want {
		if probs[i] != want[i] {
			t.Fatalf("probability %d: expected %v, got %v", i, want[i], probs[i])
		}
	}
	if sidecar.gotShape != input.Shape {
		t.Fatalf("sidecar saw shape %v, want %v", sidecar.gotShape, input.Shape)
	}
	for i, v := range input.Data {
		if sidecar.gotTensor.Data[i] != v {
			t.Fatalf("tensor value %d: expected %v, got %v", i, v, sidecar.gotTensor.Data[i])
		}
	}
}

func TestRemoteClassifierPropagatesErrors(t *testing.T) {
	sidecar := &stubSidecar{err: status.Error(codes.Internal, "model exploded")}
	client, _ := startSidecar(t, sidecar, healthpb.HealthCheckResponse_SERVING)

	input := &preprocess.Tensor{Shape: [4]int64{1, 1, 1, 3}, Data: []float32{0, 0, 0}}
	_, err := client.Predict(context.Background(), input)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if status.Code(errors.Unwrap(err)) != codes.Internal {
		t.Fatalf("expected Internal status to be preserved, got %v", err)
	}
}

func TestWaitReady(t *testing.T) {
	client, _ := startSidecar(t, &stubSidecar{}, healthpb.HealthCheckResponse_SERVING)
	if err := client.WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("expected sidecar to be ready, got %v", err)
	}
}

func TestWaitReadyBecomesServing(t *testing.T) {
	client, healthServer := startSidecar(t, &stubSidecar{}, healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		time.Sleep(100 * time.Millisecond)
		healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}()

	if err := client.WaitReady(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("expected sidecar to become ready, got %v", err)
	}
}

func TestWaitReadyGivesUp(t *testing.T) {
	client, _ := startSidecar(t, &stubSidecar{}, healthpb.HealthCheckResponse_NOT_SERVING)

	err := client.WaitReady(context.Background(), 200*time.Millisecond)
	if !errors.Is(err, ErrNotServing) {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
}

func TestShapeRoundTrip(t *testing.T) {
	shape := [4]int64{1, 224, 224, 3}
	got, err := ParseShape(FormatShape(shape))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != shape {
		t.Fatalf("expected %v, got %v", shape, got)
	}

	for _, bad := range []string{"", "1,2,3", "1,a,2,3", "1,0,2,3"} {
		if _, err := ParseShape(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDecodeTensorRejectsWrongLength(t *testing.T) {
	if _, err := DecodeTensor([4]int64{1, 1, 1, 3}, make([]byte, 8)); err == nil {
		t.Fatal("expected error for short payload")
	}
}
