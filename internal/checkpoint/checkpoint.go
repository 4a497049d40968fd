// Package checkpoint persists the last delivered (offset, handle) position of
// a shape so a restarted follower resumes instead of refetching.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/protocol"
)

var (
	ErrNotFound    = errors.New("checkpoint not found")
	ErrInvalidName = errors.New("invalid checkpoint name")
)

// Backends.
const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

// Checkpoint is a resumable stream position.
type Checkpoint struct {
	Name    string          `json:"name"`
	Offset  protocol.Offset `json:"offset"`
	Handle  string          `json:"handle"`
	SavedAt time.Time       `json:"saved_at"`
}

// Resumable reports whether the checkpoint can seed a stream. An initial
// offset carries nothing worth resuming.
func (c Checkpoint) Resumable() bool {
	return !c.Offset.IsInitial() && c.Handle != ""
}

// Store loads and saves checkpoints by name.
type Store interface {
	// Load returns ErrNotFound when no checkpoint exists for name.
	Load(ctx context.Context, name string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
	Delete(ctx context.Context, name string) error
	Close() error
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func checkName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Open returns the store for backend rooted at path.
func Open(backend, path string, logger *zap.Logger) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(path, logger), nil
	case BackendPebble:
		s, err := OpenPebble(path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}
