package detections

import (
	"fmt"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

// Tensor is a raw model output copied out of the runtime.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func (t Tensor) elements() int64 {
	if len(t.Shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Decoder turns raw output tensors into pixel-space detections for an image
// of the given original size.
type Decoder interface {
	Decode(outputs []Tensor, width, height int) ([]models.Detection, error)
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrDecodeFailure, fmt.Sprintf(format, args...))
}

func checkTensor(name string, t Tensor) error {
	if n := t.elements(); n != int64(len(t.Data)) {
		return decodeErr("%s: shape %v implies %d values, got %d", name, t.Shape, n, len(t.Data))
	}
	return nil
}
