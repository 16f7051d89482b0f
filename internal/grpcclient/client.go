package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/leaf-check/internal/logging"
	"github.com/example/leaf-check/internal/preprocess"
)

// ErrNotServing is returned when the sidecar's health check never reports SERVING.
var ErrNotServing = errors.New("classifier sidecar is not serving")

// DialClassifier connects to a model-serving sidecar. Extra dial options are appended
// after the defaults, which lets tests swap in an in-memory dialer.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteClassifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteClassifier(conn, logger), conn, nil
}

// RemoteClassifier implements classifier.Classifier against a gRPC sidecar.
// A ClientConn is safe for concurrent use, so no lock is needed.
type RemoteClassifier struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *zap.Logger
}

// NewRemoteClassifier wraps an established connection.
func NewRemoteClassifier(conn *grpc.ClientConn, logger *zap.Logger) *RemoteClassifier {
	return &RemoteClassifier{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger.Named("grpc_classifier"),
	}
}

// Predict sends input to the sidecar. Errors are returned as-is; callers decide about retries.
func (r *RemoteClassifier) Predict(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	if input == nil {
		return nil, errors.New("nil input tensor")
	}
	ctx = metadata.AppendToOutgoingContext(ctx, ShapeMetadataKey, FormatShape(input.Shape))

	req := wrapperspb.Bytes(EncodeTensor(input))
	resp := new(structpb.ListValue)
	if err := r.conn.Invoke(ctx, PredictFullName, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", "", err)
		r.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	probs := make([]float32, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("classifier returned non-numeric value at index %d", i)
		}
		probs[i] = float32(n.NumberValue)
	}
	return probs, nil
}

// WaitReady polls the standard gRPC health service until it reports SERVING or maxElapsed
// passes. A sidecar that never becomes ready is a startup failure.
func (r *RemoteClassifier) WaitReady(ctx context.Context, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		resp, err := r.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			r.logger.Warn("health check failed", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			r.logger.Warn("classifier not serving yet", zap.String("status", resp.GetStatus().String()), zap.Int("attempt", attempt))
			return ErrNotServing
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return logging.NewOperationError("grpcclient.wait_ready", "", fmt.Errorf("%w: %v", ErrNotServing, err))
	}
	return nil
}
