package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

// Variant binds a version to its input layout and decoder.
type Variant struct {
	Version   models.ModelVersion
	InputSize int
	ByteInput bool
	Decoder   Decoder
}

// VariantFor returns the closed set of detector variants.
func VariantFor(v models.ModelVersion) (Variant, error) {
	switch v {
	case models.Baseline:
		return Variant{Version: v, InputSize: BaselineInputSize, ByteInput: true, Decoder: NewBaselineDecoder()}, nil
	case models.Improved:
		return Variant{Version: v, InputSize: ImprovedInputSize, Decoder: NewImprovedDecoder()}, nil
	}
	return Variant{}, fmt.Errorf("%w: %q", models.ErrInvalidVersion, v)
}

// PooledDetector runs one variant over a pool of sessions.
type PooledDetector struct {
	variant      Variant
	pool         *SessionPool
	preprocessor *Preprocessor
}

func NewPooledDetector(variant Variant, pool *SessionPool) *PooledDetector {
	return &PooledDetector{
		variant:      variant,
		pool:         pool,
		preprocessor: NewPreprocessor(),
	}
}

func (d *PooledDetector) Version() models.ModelVersion {
	return d.variant.Version
}

func (d *PooledDetector) PoolMetrics() PoolSnapshot {
	return d.pool.GetMetrics()
}

func (d *PooledDetector) Close() error {
	d.pool.Destroy()
	return nil
}

// Detect runs inference, retrying transient runtime failures. Decode failures
// are not retried.
func (d *PooledDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	if img == nil || img.Bounds().Empty() {
		return nil, &models.ProcessingError{Message: "prepare input buffer", Cause: ErrEmptyImage}
	}

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		outputs, err := d.infer(ctx, img, timings)
		if err == nil {
			postStart := time.Now()
			dets, err := d.variant.Decoder.Decode(outputs, img.Bounds().Dx(), img.Bounds().Dy())
			timings.Postprocess = time.Since(postStart)
			if err != nil {
				return nil, &models.ProcessingError{Message: "process predictions", Cause: err}
			}
			return dets, nil
		}
		lastErr = err
		if errors.Is(err, ErrPoolClosed) || errors.Is(err, context.Canceled) {
			break
		}

		if attempt < RetryAttempts {
			time.Sleep(time.Duration(attempt) * RetryDelayMs * time.Millisecond)
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("unknown error")
}

func (d *PooledDetector) infer(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]Tensor, error) {
	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	broken := false
	defer func() { d.pool.Release(session, broken) }()

	prepStart := time.Now()
	if d.variant.ByteInput {
		err = d.preprocessor.Baseline(img, d.variant.InputSize, session.ByteInput())
	} else {
		err = d.preprocessor.Improved(img, d.variant.InputSize, session.FloatInput())
	}
	if err != nil {
		return nil, &models.ProcessingError{Message: "prepare input buffer", Cause: err}
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Run(); err != nil {
		broken = true
		return nil, &models.ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	return session.Outputs(), nil
}

// Warmup runs one blank inference on every pooled session.
func (d *PooledDetector) Warmup(ctx context.Context) error {
	held := make([]InferenceSession, 0, d.pool.size)
	defer func() {
		for _, s := range held {
			d.pool.Release(s, false)
		}
	}()
	for i := 0; i < d.pool.size; i++ {
		s, err := d.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		held = append(held, s)
		if err := s.Run(); err != nil {
			return fmt.Errorf("warmup run: %w", err)
		}
	}
	return nil
}
