package registry

import (
	"context"
	"fmt"

	"github.com/Tutortoise/exam-proctor-detector/detections"
	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/models"

	"github.com/sirupsen/logrus"
)

// OnnxLoader loads detector artifacts into onnxruntime session pools.
type OnnxLoader struct {
	Paths    map[models.ModelVersion]string
	PoolSize int
	Threads  int
	Warmup   bool
}

func (l *OnnxLoader) Load(ctx context.Context, version models.ModelVersion) (Detector, error) {
	path, ok := l.Paths[version]
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: no artifact configured for %s", models.ErrModelLoadFailure, version)
	}
	spec, err := detections.SpecFor(version, path)
	if err != nil {
		return nil, err
	}
	spec.Threads = l.Threads
	variant, err := detections.VariantFor(version)
	if err != nil {
		return nil, err
	}

	pool, err := detections.NewSessionPool(func() (detections.InferenceSession, error) {
		return detections.NewModelSession(spec)
	}, l.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelLoadFailure, err)
	}

	d := detections.NewPooledDetector(variant, pool)
	if l.Warmup {
		if err := d.Warmup(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: %v", models.ErrModelLoadFailure, err)
		}
	}

	logger.For("registry").WithFields(logrus.Fields{
		"version": version,
		"path":    path,
		"pool":    l.PoolSize,
	}).Debug("onnx detector ready")
	return d, nil
}
