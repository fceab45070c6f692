package detections

import (
	"math"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

// ImprovedDecoder decodes a dense YOLOv8 grid: per prediction, a 640-space
// center box followed by one score per class.
type ImprovedDecoder struct {
	Labels       []string
	InputSize    int
	ScoreFloor   float64
	IoUThreshold float64
}

func NewImprovedDecoder() *ImprovedDecoder {
	return &ImprovedDecoder{
		Labels:       CocoLabels,
		InputSize:    ImprovedInputSize,
		ScoreFloor:   ImprovedScoreFloor,
		IoUThreshold: ImprovedIoU,
	}
}

// Decode accepts either (1, P, 4+C) rows or the native (1, 4+C, P) layout.
func (d *ImprovedDecoder) Decode(outputs []Tensor, width, height int) ([]models.Detection, error) {
	if len(outputs) != 1 {
		return nil, decodeErr("improved head needs exactly one output, got %d", len(outputs))
	}
	out := outputs[0]
	if err := checkTensor("output0", out); err != nil {
		return nil, err
	}

	grid, err := d.layout(out)
	if err != nil {
		return nil, err
	}

	scaleX := float64(width) / float64(d.InputSize)
	scaleY := float64(height) / float64(d.InputSize)

	var (
		boxes    []models.Box
		scores   []float64
		classIDs []int
	)
	for i := 0; i < grid.predictions; i++ {
		classID, best := 0, float32(math.Inf(-1))
		for c := 0; c < grid.classes; c++ {
			if s := grid.at(i, 4+c); s > best {
				best, classID = s, c
			}
		}
		if float64(best) <= d.ScoreFloor {
			continue
		}

		cx := float64(grid.at(i, 0))
		cy := float64(grid.at(i, 1))
		bw := float64(grid.at(i, 2))
		bh := float64(grid.at(i, 3))

		boxes = append(boxes, models.Box{
			X: math.Trunc((cx - bw/2) * scaleX),
			Y: math.Trunc((cy - bh/2) * scaleY),
			W: math.Trunc(bw * scaleX),
			H: math.Trunc(bh * scaleY),
		})
		scores = append(scores, float64(best))
		classIDs = append(classIDs, classID)
	}

	keep := NonMaxSuppress(boxes, scores, d.ScoreFloor, d.IoUThreshold)
	detections := make([]models.Detection, 0, len(keep))
	for _, i := range keep {
		detections = append(detections, models.Detection{
			Class: labelFor(d.Labels, classIDs[i]),
			Score: scores[i],
			Box:   boxes[i],
		})
	}

	return detections, nil
}

type gridView struct {
	data        []float32
	predictions int
	classes     int
	attrs       int
	channelWise bool
}

func (g gridView) at(pred, attr int) float32 {
	if g.channelWise {
		return g.data[attr*g.predictions+pred]
	}
	return g.data[pred*g.attrs+attr]
}

func (d *ImprovedDecoder) layout(t Tensor) (gridView, error) {
	shape := t.Shape
	if len(shape) == 3 {
		if shape[0] != 1 {
			return gridView{}, decodeErr("batch size %d not supported", shape[0])
		}
		shape = shape[1:]
	}
	if len(shape) != 2 {
		return gridView{}, decodeErr("unexpected output rank %d (shape %v)", len(t.Shape), t.Shape)
	}

	attrs := int64(4 + len(d.Labels))
	g := gridView{data: t.Data, classes: len(d.Labels), attrs: int(attrs)}
	switch {
	case shape[0] == attrs:
		g.channelWise = true
		g.predictions = int(shape[1])
	case shape[1] == attrs:
		g.predictions = int(shape[0])
	default:
		return gridView{}, decodeErr("output shape %v does not carry %d attributes per prediction", t.Shape, attrs)
	}
	return g, nil
}
