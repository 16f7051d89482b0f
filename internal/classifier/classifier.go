// Package classifier defines the contract of the pretrained image classification model and
// the adapters leaf-check ships for it.
package classifier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/example/leaf-check/internal/preprocess"
)

// ErrShapeMismatch is returned when an input tensor does not match the model's input shape.
var ErrShapeMismatch = errors.New("input tensor shape mismatch")

// Classifier scores one preprocessed batch and returns one probability per known class.
// Implementations must not mutate model state.
type Classifier interface {
	Predict(ctx context.Context, input *preprocess.Tensor) ([]float32, error)
}

// DefaultLabels are the classes of the three-class tomato disease model.
var DefaultLabels = []string{
	"Tomato_Early_blight",
	"Tomato_Late_blight",
	"Tomato_Healthy",
}

// LoadLabels reads one class label per line. Blank lines are skipped.
// An empty path returns a copy of DefaultLabels.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return append([]string(nil), DefaultLabels...), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer file.Close()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		label := strings.TrimSpace(scanner.Text())
		if label == "" {
			continue
		}
		labels = append(labels, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}

// Serialized guards a Classifier whose runtime is not safe for concurrent calls.
type Serialized struct {
	mu   sync.Mutex
	next Classifier
}

// NewSerialized wraps next so at most one Predict runs at a time.
func NewSerialized(next Classifier) *Serialized {
	return &Serialized{next: next}
}

func (s *Serialized) Predict(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next.Predict(ctx, input)
}

func checkShape(got, want [4]int64) error {
	if got != want {
		return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, got, want)
	}
	return nil
}
