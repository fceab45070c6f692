// Package alerting turns detections into behavioral alert events and
// delivers them to the alert sink on a best-effort basis.
package alerting

import (
	"math"
	"sync"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/models"
)

// Alert categories understood by the monitoring frontend.
const (
	CategoryMovement  = "SUSPICIOUS MOVEMENT"
	CategoryLeftFrame = "STUDENT LEFT FRAME"
)

type Config struct {
	SubjectClass            string
	MovementThreshold       float64
	BannedItems             []string
	ContrabandMinConfidence float64
}

func DefaultConfig() Config {
	return Config{
		SubjectClass:            "person",
		MovementThreshold:       50,
		BannedItems:             []string{"cell phone", "laptop", "mouse", "keyboard", "remote", "tv"},
		ContrabandMinConfidence: 0.5,
	}
}

// Submitter accepts events for asynchronous delivery without blocking.
type Submitter interface {
	Submit(evt models.AlertEvent) bool
}

// tracking is the cross-request subject state of the baseline mode.
type tracking struct {
	version    models.ModelVersion
	lastCenter *models.Point
}

// Engine evaluates detections against the per-version alert rules. The
// tracking state is only read and written under mu, so every call sees the
// position committed by the call serialized before it.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	banned map[string]struct{}
	state  tracking
	sink   Submitter
	now    func() time.Time
	onEmit func(models.AlertEvent)
}

type EngineOption func(*Engine)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithEmitHook is called for every event the engine emits.
func WithEmitHook(fn func(models.AlertEvent)) EngineOption {
	return func(e *Engine) { e.onEmit = fn }
}

func NewEngine(cfg Config, sink Submitter, opts ...EngineOption) *Engine {
	banned := make(map[string]struct{}, len(cfg.BannedItems))
	for _, item := range cfg.BannedItems {
		banned[item] = struct{}{}
	}
	e := &Engine{
		cfg:    cfg,
		banned: banned,
		sink:   sink,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reset forgets the tracked subject. Registered as the model switch hook.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = tracking{}
}

// LastSubjectCenter returns the committed subject position, if any.
func (e *Engine) LastSubjectCenter() (models.Point, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.lastCenter == nil {
		return models.Point{}, false
	}
	return *e.state.lastCenter, true
}

// Evaluate applies the rules for version to one successfully decoded frame,
// commits the resulting tracking state and submits the events for delivery.
func (e *Engine) Evaluate(version models.ModelVersion, dets []models.Detection) []models.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.version != version {
		// tracking recorded under another detector's geometry is meaningless here
		e.state = tracking{version: version}
	}

	var events []models.AlertEvent
	switch version {
	case models.Baseline:
		events = e.trackSubject(dets)
	case models.Improved:
		events = e.flagContraband(dets)
	}

	for _, evt := range events {
		if e.onEmit != nil {
			e.onEmit(evt)
		}
		if e.sink != nil && !e.sink.Submit(evt) {
			logger.For("alerting").WithField("category", evt.Category).Debug("alert queue full, event dropped")
		}
	}
	return events
}

func (e *Engine) trackSubject(dets []models.Detection) []models.AlertEvent {
	var subject *models.Detection
	for i := range dets {
		if dets[i].Class == e.cfg.SubjectClass {
			subject = &dets[i]
			break
		}
	}

	if subject == nil {
		if e.state.lastCenter == nil {
			return nil
		}
		e.state.lastCenter = nil
		return []models.AlertEvent{e.event(CategoryLeftFrame, 1.0)}
	}

	center := subject.Box.Center()
	var events []models.AlertEvent
	if prev := e.state.lastCenter; prev != nil {
		dist := math.Hypot(center.X-prev.X, center.Y-prev.Y)
		if dist > e.cfg.MovementThreshold {
			events = append(events, e.event(CategoryMovement, dist))
		}
	}
	e.state.lastCenter = &center
	return events
}

func (e *Engine) flagContraband(dets []models.Detection) []models.AlertEvent {
	var events []models.AlertEvent
	for _, det := range dets {
		if _, ok := e.banned[det.Class]; ok && det.Score > e.cfg.ContrabandMinConfidence {
			events = append(events, e.event(det.Class, det.Score))
		}
	}
	return events
}

func (e *Engine) event(category string, confidence float64) models.AlertEvent {
	return models.AlertEvent{
		Category:   category,
		Confidence: confidence,
		ObservedAt: e.now(),
	}
}
