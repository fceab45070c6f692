// Package pipeline runs one inference request end to end: active version
// lookup, detection, behavioral evaluation and bookkeeping.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/alerting"
	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/metrics"
	"github.com/Tutortoise/exam-proctor-detector/models"
	"github.com/Tutortoise/exam-proctor-detector/registry"
)

// Result is the body of a successful predict call.
type Result struct {
	Model      models.ModelVersion `json:"model"`
	Detections []models.Detection  `json:"detections"`
	LatencyMs  float64             `json:"latency_ms"`

	Alerts []models.AlertEvent `json:"-"`
}

// Request carries a decoded frame and the instant its upload began, so the
// reported latency includes intake.
type Request struct {
	Image    image.Image
	Received time.Time
	Timings  *models.ProcessingTimings
}

// Service serializes model switches against in-flight predictions. Predict
// holds the read side for detection and evaluation, so an evaluation under
// the old version can never land after the switch reset the tracking state.
type Service struct {
	switchMu sync.RWMutex

	registry *registry.Registry
	store    registry.VersionStore
	engine   *alerting.Engine
	metrics  *metrics.Metrics
}

func New(reg *registry.Registry, store registry.VersionStore, engine *alerting.Engine, m *metrics.Metrics) *Service {
	return &Service{
		registry: reg,
		store:    store,
		engine:   engine,
		metrics:  m,
	}
}

// ActiveVersion reads the persisted tag. A store failure falls back to the
// default version rather than failing the request.
func (s *Service) ActiveVersion(ctx context.Context) models.ModelVersion {
	v, err := s.store.ActiveVersion(ctx)
	if err != nil || !v.Valid() {
		logger.For("pipeline").WithError(err).WithField("stored", v).Warn("active version unreadable, using default")
		return models.DefaultVersion
	}
	return v
}

// Predict decodes the frame with the active detector and evaluates the alert
// rules. The store is read on every call so an external writer can switch
// versions.
func (s *Service) Predict(ctx context.Context, req Request) (*Result, error) {
	if req.Image == nil {
		return nil, errors.New("no image")
	}
	if req.Received.IsZero() {
		req.Received = time.Now()
	}
	timings := req.Timings
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	s.switchMu.RLock()
	defer s.switchMu.RUnlock()

	version := s.ActiveVersion(ctx)
	dets, err := s.registry.Predict(ctx, version, req.Image, timings)
	latency := time.Since(req.Received)
	if s.metrics != nil {
		s.metrics.RecordPrediction(version, dets, latency, err)
	}
	if err != nil {
		return nil, fmt.Errorf("predict with %s: %w", version, err)
	}
	if dets == nil {
		dets = []models.Detection{}
	}

	alertStart := time.Now()
	events := s.engine.Evaluate(version, dets)
	timings.Alerting = time.Since(alertStart)

	return &Result{
		Model:      version,
		Detections: dets,
		LatencyMs:  float64(latency.Microseconds()) / 1000,
		Alerts:     events,
	}, nil
}

// SwitchModel loads version and makes it active. No predict runs while the
// switch is in progress; the tracking reset happens through the registry's
// switch hook.
func (s *Service) SwitchModel(ctx context.Context, version models.ModelVersion) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	return s.registry.SetActiveVersion(ctx, s.store, version)
}

// Preload makes the persisted version resident without serving a request.
func (s *Service) Preload(ctx context.Context) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	version := s.ActiveVersion(ctx)
	if loaded, ok := s.registry.Loaded(); ok && loaded == version {
		return nil
	}
	return s.registry.SetActiveVersion(ctx, nil, version)
}

// Status summarizes the registry for health reporting.
type Status struct {
	Active    models.ModelVersion
	Loaded    models.ModelVersion
	IsLoaded  bool
	LastError error
}

func (s *Service) Status(ctx context.Context) Status {
	loaded, ok := s.registry.Loaded()
	return Status{
		Active:    s.ActiveVersion(ctx),
		Loaded:    loaded,
		IsLoaded:  ok,
		LastError: s.registry.LastLoadError(),
	}
}
