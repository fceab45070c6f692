package registry

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/models"
)

// Detector is a loaded model bound to exactly one version.
type Detector interface {
	Version() models.ModelVersion
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
	Close() error
}

// Loader produces a detector for a version; loading may be slow.
type Loader interface {
	Load(ctx context.Context, version models.ModelVersion) (Detector, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, version models.ModelVersion) (Detector, error)

func (f LoaderFunc) Load(ctx context.Context, version models.ModelVersion) (Detector, error) {
	return f(ctx, version)
}

// VersionStore persists the active version tag across restarts.
type VersionStore interface {
	ActiveVersion(ctx context.Context) (models.ModelVersion, error)
	SetActiveVersion(ctx context.Context, version models.ModelVersion) error
}

// LoadObserver is told about every load attempt.
type LoadObserver func(version models.ModelVersion, err error)

// Registry owns at most one resident detector.
type Registry struct {
	mu       sync.RWMutex
	loader   Loader
	current  Detector
	lastErr  error
	hooks    []func(models.ModelVersion)
	observer LoadObserver
}

type Option func(*Registry)

// WithSwitchHook registers fn to run after every successful version switch.
func WithSwitchHook(fn func(models.ModelVersion)) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, fn) }
}

func WithLoadObserver(fn LoadObserver) Option {
	return func(r *Registry) { r.observer = fn }
}

func New(loader Loader, opts ...Option) *Registry {
	r := &Registry{loader: loader}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Loaded reports the resident version, if any.
func (r *Registry) Loaded() (models.ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return "", false
	}
	return r.current.Version(), true
}

// LastLoadError returns the error of the most recent failed load, or nil.
func (r *Registry) LastLoadError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Current returns the resident detector without loading anything.
func (r *Registry) Current() Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Predict runs the detector for version, loading it first when it is not
// resident. Requests for the resident version share a read lock, so a
// concurrent switch waits for them to finish on the old detector.
func (r *Registry) Predict(ctx context.Context, version models.ModelVersion, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if !version.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidVersion, version)
	}

	r.mu.RLock()
	if r.current != nil && r.current.Version() == version {
		defer r.mu.RUnlock()
		return r.current.Detect(ctx, img, timings)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx, version); err != nil {
		return nil, err
	}
	return r.current.Detect(ctx, img, timings)
}

// SetActiveVersion loads version, persists it and resets dependent state.
// The new detector becomes resident only after the tag is stored, so a failed
// load or a failed write leaves the previous detector serving and the stored
// tag unchanged.
func (r *Registry) SetActiveVersion(ctx context.Context, store VersionStore, version models.ModelVersion) error {
	if !version.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidVersion, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var next Detector
	if r.current == nil || r.current.Version() != version {
		loaded, err := r.loadLocked(ctx, version)
		if err != nil {
			return err
		}
		next = loaded
	}

	if store != nil {
		if err := store.SetActiveVersion(ctx, version); err != nil {
			if next != nil {
				if cerr := next.Close(); cerr != nil {
					logger.For("registry").WithError(cerr).WithField("version", version).Warn("closing unused detector")
				}
			}
			return fmt.Errorf("persist active version: %w", err)
		}
	}
	if next != nil {
		r.installLocked(next)
	}

	for _, hook := range r.hooks {
		hook(version)
	}
	logger.For("registry").WithField("version", version).Info("active model switched")
	return nil
}

func (r *Registry) ensureLoadedLocked(ctx context.Context, version models.ModelVersion) error {
	if r.current != nil && r.current.Version() == version {
		return nil
	}
	next, err := r.loadLocked(ctx, version)
	if err != nil {
		return err
	}
	r.installLocked(next)
	return nil
}

// loadLocked builds a detector for version without making it resident.
func (r *Registry) loadLocked(ctx context.Context, version models.ModelVersion) (Detector, error) {
	log := logger.For("registry").WithField("version", version)
	log.Info("loading detector")

	next, err := r.loader.Load(ctx, version)
	if err == nil && next == nil {
		err = errors.New("loader returned no detector")
	}
	if r.observer != nil {
		r.observer(version, err)
	}
	if err != nil {
		if !errors.Is(err, models.ErrModelLoadFailure) {
			err = fmt.Errorf("%w: %v", models.ErrModelLoadFailure, err)
		}
		r.lastErr = err
		if r.current == nil {
			log.WithError(err).Error("load failed, no detector resident")
			return nil, fmt.Errorf("%w: %w", models.ErrNoDetectorLoaded, err)
		}
		log.WithError(err).WithField("resident", r.current.Version()).Warn("load failed, keeping resident detector")
		return nil, err
	}
	return next, nil
}

// installLocked makes next resident and retires the previous detector.
func (r *Registry) installLocked(next Detector) {
	previous := r.current
	r.current = next
	r.lastErr = nil
	log := logger.For("registry").WithField("version", next.Version())
	if previous != nil {
		if err := previous.Close(); err != nil {
			log.WithError(err).WithField("previous", previous.Version()).Warn("closing previous detector")
		}
	}
	log.Info("detector resident")
}

// Close releases the resident detector.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	return err
}
