// Package store persists the active detector version.
package store

import (
	"context"
	"fmt"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

type VersionStore interface {
	ActiveVersion(ctx context.Context) (models.ModelVersion, error)
	SetActiveVersion(ctx context.Context, version models.ModelVersion) error
	Close() error
}

// HistoryStore is implemented by stores that keep a switch audit trail.
type HistoryStore interface {
	History(ctx context.Context, limit int) ([]Switch, error)
}

// Open returns the store for backend ("sqlite" or "file").
func Open(backend, path string) (VersionStore, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "file":
		return NewFileStore(path)
	}
	return nil, fmt.Errorf("unknown state backend %q", backend)
}
