package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

// FileStore keeps the active tag in a one-line text file (current_model.txt).
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) ActiveVersion(_ context.Context) (models.ModelVersion, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.DefaultVersion, nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", s.path, err)
	}
	return models.ParseVersion(string(data))
}

// SetActiveVersion writes through a temp file so readers never see a torn value.
func (s *FileStore) SetActiveVersion(_ context.Context, version models.ModelVersion) error {
	if !version.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidVersion, version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(version), 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Close() error { return nil }
