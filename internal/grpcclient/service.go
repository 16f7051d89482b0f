package grpcclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/leaf-check/internal/preprocess"
)

// Wire contract of the model-serving sidecar.
//
// The request is a BytesValue holding the NHWC float32 tensor in little-endian order; its
// shape travels in the ShapeMetadataKey header. The response is a ListValue of class
// probabilities.
const (
	ServiceName      = "leafcheck.v1.Classifier"
	predictMethod    = "Predict"
	PredictFullName  = "/" + ServiceName + "/" + predictMethod
	ShapeMetadataKey = "x-tensor-shape"
)

// ClassifierServer is implemented by sidecars serving the classifier over gRPC.
type ClassifierServer interface {
	Predict(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error)
}

// RegisterClassifierServer registers srv on s under ServiceName.
func RegisterClassifierServer(s grpc.ServiceRegistrar, srv ClassifierServer) {
	s.RegisterService(&classifierServiceDesc, srv)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: predictMethod, Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "leafcheck/v1/classifier.proto",
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassifierServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictFullName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClassifierServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// EncodeTensor serializes t.Data as little-endian float32 values.
func EncodeTensor(t *preprocess.Tensor) []byte {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeTensor is the inverse of EncodeTensor.
func DecodeTensor(shape [4]int64, data []byte) (*preprocess.Tensor, error) {
	t := &preprocess.Tensor{Shape: shape}
	if len(data) != 4*t.Len() {
		return nil, fmt.Errorf("tensor payload has %d bytes, shape %v needs %d", len(data), shape, 4*t.Len())
	}
	t.Data = make([]float32, t.Len())
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return t, nil
}

// FormatShape renders a shape for the ShapeMetadataKey header, e.g. "1,224,224,3".
func FormatShape(shape [4]int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(parts, ",")
}

// ParseShape is the inverse of FormatShape.
func ParseShape(s string) ([4]int64, error) {
	var shape [4]int64
	parts := strings.Split(s, ",")
	if len(parts) != len(shape) {
		return shape, fmt.Errorf("shape %q must have 4 dimensions", s)
	}
	for i, p := range parts {
		d, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || d <= 0 {
			return shape, fmt.Errorf("invalid dimension %q in shape %q", p, s)
		}
		shape[i] = d
	}
	return shape, nil
}
