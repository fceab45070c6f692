package detections

import (
	"github.com/Tutortoise/exam-proctor-detector/models"
)

// BaselineDecoder decodes the SSD detection head: normalized
// (ymin, xmin, ymax, xmax) boxes, scores and 1-indexed class codes.
// The head already suppresses overlaps, so no NMS runs here.
type BaselineDecoder struct {
	Labels []string
}

func NewBaselineDecoder() *BaselineDecoder {
	return &BaselineDecoder{Labels: CocoLabels}
}

// Decode expects [boxes, scores, classes] and optionally num_detections.
func (d *BaselineDecoder) Decode(outputs []Tensor, width, height int) ([]models.Detection, error) {
	if len(outputs) < 3 {
		return nil, decodeErr("baseline head needs boxes, scores and classes, got %d outputs", len(outputs))
	}
	boxes, scores, classes := outputs[0], outputs[1], outputs[2]
	for i, t := range []Tensor{boxes, scores, classes} {
		if err := checkTensor([]string{"boxes", "scores", "classes"}[i], t); err != nil {
			return nil, err
		}
	}

	n := len(scores.Data)
	if len(classes.Data) != n || len(boxes.Data) != n*4 {
		return nil, decodeErr("baseline head size mismatch: boxes=%d scores=%d classes=%d",
			len(boxes.Data), n, len(classes.Data))
	}
	if len(outputs) > 3 && len(outputs[3].Data) > 0 {
		if count := int(outputs[3].Data[0]); count >= 0 && count < n {
			n = count
		}
	}

	w, h := float64(width), float64(height)
	detections := make([]models.Detection, 0, n)
	for i := 0; i < n; i++ {
		score := float64(scores.Data[i])
		if score < BaselineScoreFloor {
			continue
		}

		ymin := float64(boxes.Data[4*i])
		xmin := float64(boxes.Data[4*i+1])
		ymax := float64(boxes.Data[4*i+2])
		xmax := float64(boxes.Data[4*i+3])

		detections = append(detections, models.Detection{
			Class: labelFor(d.Labels, int(classes.Data[i])-1),
			Score: score,
			Box: models.Box{
				X: xmin * w,
				Y: ymin * h,
				W: max(0, (xmax-xmin)*w),
				H: max(0, (ymax-ymin)*h),
			},
		})
	}

	return detections, nil
}
