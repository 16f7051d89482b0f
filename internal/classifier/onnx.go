package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/leaf-check/internal/preprocess"
)

// ONNXOptions configures an in-process ONNX Runtime session.
type ONNXOptions struct {
	ModelPath string
	// RuntimeLibrary is the path to the onnxruntime shared library; empty uses the default search.
	RuntimeLibrary string
	InputName      string
	OutputName     string
	ImageSize      int
	NumClasses     int
}

// ONNXClassifier runs a model through ONNX Runtime. The session is bound to
// pre-allocated tensors, so calls are serialized.
type ONNXClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputShape   [4]int64
	numClasses   int
}

// NewONNXClassifier initializes the runtime and loads the model. Any failure leaves
// nothing allocated.
func NewONNXClassifier(opts ONNXOptions) (*ONNXClassifier, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if opts.ImageSize <= 0 || opts.NumClasses <= 0 {
		return nil, fmt.Errorf("invalid model dimensions: image size %d, classes %d", opts.ImageSize, opts.NumClasses)
	}
	if opts.RuntimeLibrary != "" {
		ort.SetSharedLibraryPath(opts.RuntimeLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	size := int64(opts.ImageSize)
	shape := [4]int64{1, size, size, preprocess.Channels}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(shape[:]...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.NumClasses)))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		outputTensor.Destroy()
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputShape:   shape,
		numClasses:   opts.NumClasses,
	}, nil
}

// Predict copies input into the bound tensor, runs the session and returns a copy of the output.
func (c *ONNXClassifier) Predict(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	if input == nil {
		return nil, errors.New("nil input tensor")
	}
	if err := checkShape(input.Shape, c.inputShape); err != nil {
		return nil, err
	}
	if len(input.Data) != input.Len() {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(input.Data), input.Shape)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.session == nil {
		return nil, errors.New("session is closed")
	}

	copy(c.inputTensor.GetData(), input.Data)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, c.numClasses)
	copy(out, c.outputTensor.GetData())
	return out, nil
}

// Close releases the session, its tensors and the runtime environment.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	var errs []error
	if err := c.session.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := c.inputTensor.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := c.outputTensor.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := ort.DestroyEnvironment(); err != nil {
		errs = append(errs, err)
	}
	c.session = nil
	return errors.Join(errs...)
}
