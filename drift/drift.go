// Package drift aggregates detector responses over a sample set and compares
// them with a recorded reference.
package drift

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

const (
	DefaultDetectionTolerance = 1.5
	DefaultSampleLimit        = 20
)

// Reference holds the statistics of a known good run.
type Reference struct {
	AvgConfidence      float64  `json:"avg_confidence"`
	MinConfidenceDrop  float64  `json:"min_confidence_drop"`
	AvgDetections      float64  `json:"avg_detections"`
	DetectionTolerance float64  `json:"detection_tolerance,omitempty"`
	ExpectedClasses    []string `json:"expected_classes"`
}

func LoadReference(path string) (*Reference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference: %w", err)
	}
	var ref Reference
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("parse reference %s: %w", path, err)
	}
	if ref.DetectionTolerance <= 0 {
		ref.DetectionTolerance = DefaultDetectionTolerance
	}
	return &ref, nil
}

// Summary is the evaluation document written by the evaluate tool.
type Summary struct {
	ModelVersion    models.ModelVersion `json:"model_version"`
	TotalImages     int                 `json:"total_images"`
	TotalDetections int                 `json:"total_detections"`
	AvgConfidence   float64             `json:"avg_confidence"`
	AvgDetections   float64             `json:"avg_detections"`
	AvgLatencyMs    float64             `json:"avg_latency_ms"`
	ClassCounts     map[string]int      `json:"class_counts"`
}

// Aggregator accumulates per-image results. Not safe for concurrent use.
type Aggregator struct {
	model       models.ModelVersion
	images      int
	detections  int
	confSum     float64
	latencySum  float64
	classCounts map[string]int
}

func NewAggregator() *Aggregator {
	return &Aggregator{classCounts: make(map[string]int)}
}

// Add records one image's detections and the latency the server reported.
func (a *Aggregator) Add(model models.ModelVersion, dets []models.Detection, latencyMs float64) {
	if model != "" {
		a.model = model
	}
	a.images++
	a.detections += len(dets)
	a.latencySum += latencyMs
	for _, d := range dets {
		a.confSum += d.Score
		a.classCounts[d.Class]++
	}
}

func (a *Aggregator) Summary() Summary {
	s := Summary{
		ModelVersion:    a.model,
		TotalImages:     a.images,
		TotalDetections: a.detections,
		ClassCounts:     make(map[string]int, len(a.classCounts)),
	}
	for k, v := range a.classCounts {
		s.ClassCounts[k] = v
	}
	if a.detections > 0 {
		s.AvgConfidence = a.confSum / float64(a.detections)
	}
	if a.images > 0 {
		s.AvgDetections = float64(a.detections) / float64(a.images)
		s.AvgLatencyMs = a.latencySum / float64(a.images)
	}
	return s
}

// Report is the outcome of a drift check.
type Report struct {
	Drift   bool     `json:"drift"`
	Severe  bool     `json:"severe"`
	Reasons []string `json:"reasons,omitempty"`
	Summary Summary  `json:"summary"`
}

// Check compares the accumulated results with ref. A run with no detections
// at all is reported as severe drift.
func (a *Aggregator) Check(ref Reference) Report {
	s := a.Summary()
	r := Report{Summary: s}

	if s.TotalDetections == 0 {
		r.Drift = true
		r.Severe = true
		r.Reasons = append(r.Reasons, "no detections made, potential severe drift or broken model")
		return r
	}

	if s.AvgConfidence < ref.AvgConfidence-ref.MinConfidenceDrop {
		r.Reasons = append(r.Reasons, fmt.Sprintf("confidence drop detected (%.2f < %.2f)", s.AvgConfidence, ref.AvgConfidence))
	}

	expected := make(map[string]struct{}, len(ref.ExpectedClasses))
	for _, c := range ref.ExpectedClasses {
		expected[c] = struct{}{}
	}
	var unexpected []string
	for cls := range s.ClassCounts {
		if _, ok := expected[cls]; !ok {
			unexpected = append(unexpected, cls)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		r.Reasons = append(r.Reasons, fmt.Sprintf("unexpected classes found: %s", strings.Join(unexpected, ", ")))
	}

	tolerance := ref.DetectionTolerance
	if tolerance <= 0 {
		tolerance = DefaultDetectionTolerance
	}
	if math.Abs(s.AvgDetections-ref.AvgDetections) > tolerance {
		r.Reasons = append(r.Reasons, fmt.Sprintf("detection count shifted significantly (%.2f vs %.2f)", s.AvgDetections, ref.AvgDetections))
	}

	r.Drift = len(r.Reasons) > 0
	return r
}

// ImageFiles lists jpg/jpeg/png files in dir in name order, at most limit
// when limit > 0.
func ImageFiles(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
		if limit > 0 && len(files) == limit {
			break
		}
	}
	return files, nil
}
