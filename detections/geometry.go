package detections

import (
	"math"
	"sort"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

// ToCenterForm converts a top-left (x, y, w, h) box into (cx, cy, w, h).
func ToCenterForm(b models.Box) models.CenterBox {
	return models.CenterBox{
		CX: b.X + b.W/2,
		CY: b.Y + b.H/2,
		W:  b.W,
		H:  b.H,
	}
}

// ToCorners converts a center-form box back into top-left (x, y, w, h).
func ToCorners(c models.CenterBox) models.Box {
	return models.Box{
		X: c.CX - c.W/2,
		Y: c.CY - c.H/2,
		W: c.W,
		H: c.H,
	}
}

// IoU returns the intersection-over-union of two boxes in [0, 1].
func IoU(a, b models.Box) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.W, b.X+b.W)
	y2 := math.Min(a.Y+a.H, b.Y+b.H)

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0.0
	}
	return math.Min(1.0, intersection/union)
}

// NonMaxSuppress performs greedy suppression and returns the kept indices in
// the order they were accepted. Ties on score are broken by the lower index.
func NonMaxSuppress(boxes []models.Box, scores []float64, scoreThreshold, iouThreshold float64) []int {
	n := min(len(boxes), len(scores))
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if scores[i] >= scoreThreshold {
			order = append(order, i)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	keep := make([]int, 0, len(order))
	suppressed := make([]bool, n)
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order {
			if j == i || suppressed[j] {
				continue
			}
			if IoU(boxes[i], boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return keep
}
