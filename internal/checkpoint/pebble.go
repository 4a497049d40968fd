package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

const keyPrefix = "checkpoint/"

// PebbleStore keeps checkpoints in a Pebble database, one key per name.
// Writes are synced.
type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger
}

// Compile-time interface verification
var _ Store = (*PebbleStore)(nil)

// OpenPebble creates or opens the database in dir.
func OpenPebble(dir string, logger *zap.Logger) (*PebbleStore, error) {
	return OpenPebbleWithOptions(dir, &pebble.Options{}, logger)
}

// OpenPebbleWithOptions opens dir with caller-tuned Pebble options.
func OpenPebbleWithOptions(dir string, opts *pebble.Options, logger *zap.Logger) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("pebble checkpoint store: directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db, logger: logger}, nil
}

func key(name string) []byte {
	return []byte(keyPrefix + name)
}

func (s *PebbleStore) Load(_ context.Context, name string) (Checkpoint, error) {
	if err := checkName(name); err != nil {
		return Checkpoint{}, err
	}

	value, closer, err := s.db.Get(key(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("reading checkpoint: %w", err)
	}
	defer func() { _ = closer.Close() }()

	var cp Checkpoint
	if err := json.Unmarshal(value, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decoding checkpoint %s: %w", name, err)
	}
	return cp, nil
}

func (s *PebbleStore) Save(_ context.Context, cp Checkpoint) error {
	if err := checkName(cp.Name); err != nil {
		return err
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := s.db.Set(key(cp.Name), data, pebble.Sync); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("name", cp.Name),
		zap.String("offset", cp.Offset.String()),
	)
	return nil
}

func (s *PebbleStore) Delete(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.db.Delete(key(name), pebble.Sync); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
