package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// FileStore keeps one JSON file per checkpoint in a directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// Compile-time interface verification
var _ Store = (*FileStore)(nil)

func NewFileStore(dir string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Load(_ context.Context, name string) (Checkpoint, error) {
	if err := checkName(name); err != nil {
		return Checkpoint{}, err
	}

	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("reading checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decoding checkpoint %s: %w", name, err)
	}
	return cp, nil
}

// Save writes through a temp file and renames it into place so a crash never
// leaves a partial checkpoint.
func (s *FileStore) Save(_ context.Context, cp Checkpoint) error {
	if err := checkName(cp.Name); err != nil {
		return err
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	dest := s.path(cp.Name)
	tmpPath := dest + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("name", cp.Name),
		zap.String("offset", cp.Offset.String()),
	)
	return nil
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
