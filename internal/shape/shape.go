// Package shape materializes a stream into a key to row map and notifies
// listeners when the map is consistent with the server.
package shape

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/protocol"
	"github.com/dgnsrekt/shapesync/internal/stream"
)

// Source is the subset of *stream.Stream a Shape consumes.
type Source interface {
	Subscribe(onBatch stream.BatchFunc, onError stream.ErrorFunc) func()
}

// Rows is a snapshot of the materialized map. Snapshots are never modified
// after they are handed out and must not be modified by the receiver.
type Rows map[string]protocol.Row

// Update is delivered to listeners after a batch that leaves the shape up to
// date with a change worth reporting.
type Update struct {
	Rows Rows
	// Changes are the change messages of the batch, in order. After a
	// refetch only the changes following it are included.
	Changes []protocol.ChangeMessage
	// Refetched is set when the batch cleared the map.
	Refetched bool
}

// Listener receives updates.
type Listener func(Update)

// Shape folds stream batches into a materialized map.
type Shape struct {
	logger      *zap.Logger
	unsubscribe func()

	mu           sync.RWMutex
	rows         Rows
	upToDate     bool
	notified     bool
	lastSyncedAt time.Time
	err          error
	changed      chan struct{}

	lmu       sync.RWMutex
	nextID    uint64
	listeners []listener
	errorFns  []errorListener
}

type listener struct {
	id uint64
	fn Listener
}

type errorListener struct {
	id uint64
	fn func(error)
}

// New subscribes a Shape to src. The shape starts empty and is populated as
// src delivers batches.
func New(src Source, logger *zap.Logger) *Shape {
	s := NewDetached(logger)
	s.unsubscribe = src.Subscribe(
		func(batch []protocol.Message) error {
			s.Process(batch)
			return nil
		},
		s.fail,
	)
	return s
}

// NewDetached returns a Shape fed only through Process.
func NewDetached(logger *zap.Logger) *Shape {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shape{
		logger:  logger,
		rows:    Rows{},
		changed: make(chan struct{}),
	}
}

// Close detaches the shape from its stream.
func (s *Shape) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Process folds batch into the map strictly in order and notifies listeners
// when the shape becomes up to date for the first time since the last
// refetch, or when it is already up to date and the batch changed data.
func (s *Shape) Process(batch []protocol.Message) {
	s.mu.Lock()

	rows := s.rows
	owned := false
	own := func() {
		if !owned {
			rows = maps.Clone(rows)
			owned = true
		}
	}

	var (
		changes     []protocol.ChangeMessage
		dataChange  bool
		newlySynced bool
		refetched   bool
	)

	for _, m := range batch {
		switch msg := m.(type) {
		case protocol.ChangeMessage:
			own()
			if !apply(rows, msg) {
				s.logger.Warn("ignoring change with unknown operation",
					zap.String("key", msg.Key),
					zap.String("operation", string(msg.Operation)),
				)
				continue
			}
			dataChange = true
			changes = append(changes, msg)

		case protocol.ControlMessage:
			switch msg.Control {
			case protocol.ControlMustRefetch:
				rows = Rows{}
				owned = true
				s.upToDate = false
				s.notified = false
				s.err = nil
				newlySynced = false
				refetched = true
				changes = nil
			case protocol.ControlUpToDate:
				s.upToDate = true
				s.lastSyncedAt = time.Now()
				if !s.notified {
					newlySynced = true
				}
			}
		}
	}

	s.rows = rows
	notify := newlySynced || (s.upToDate && dataChange)
	if notify {
		s.notified = true
	}
	s.wake()
	s.mu.Unlock()

	if notify {
		s.notify(Update{Rows: rows, Changes: changes, Refetched: refetched})
	}
}

// apply folds one change into rows, which the caller owns. Rows already in
// the map are replaced, never modified.
func apply(rows Rows, msg protocol.ChangeMessage) bool {
	switch msg.Operation {
	case protocol.OperationInsert:
		rows[msg.Key] = msg.Value
	case protocol.OperationUpdate:
		existing, ok := rows[msg.Key]
		if !ok {
			rows[msg.Key] = msg.Value
			break
		}
		merged := make(protocol.Row, len(existing)+len(msg.Value))
		maps.Copy(merged, existing)
		maps.Copy(merged, msg.Value)
		rows[msg.Key] = merged
	case protocol.OperationDelete:
		delete(rows, msg.Key)
	default:
		return false
	}
	return true
}

// fail records a stream error. The map is left as it was.
func (s *Shape) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.wake()
	s.mu.Unlock()

	s.logger.Warn("shape stream error", zap.Error(err))

	s.lmu.RLock()
	fns := make([]errorListener, len(s.errorFns))
	copy(fns, s.errorFns)
	s.lmu.RUnlock()

	for _, l := range fns {
		s.safely(l.id, func() { l.fn(err) })
	}
}

// wake releases Rows waiters. Must be called with mu held.
func (s *Shape) wake() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Shape) notify(u Update) {
	s.lmu.RLock()
	ls := make([]listener, len(s.listeners))
	copy(ls, s.listeners)
	s.lmu.RUnlock()

	for _, l := range ls {
		s.safely(l.id, func() { l.fn(u) })
	}
}

func (s *Shape) safely(id uint64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("shape listener panicked",
				zap.Uint64("listener", id),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// Subscribe registers fn for updates. The returned func removes it.
func (s *Shape) Subscribe(fn Listener) func() {
	s.lmu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnError registers fn for stream errors. The returned func removes it.
func (s *Shape) OnError(fn func(error)) func() {
	s.lmu.Lock()
	s.nextID++
	id := s.nextID
	s.errorFns = append(s.errorFns, errorListener{id: id, fn: fn})
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, l := range s.errorFns {
			if l.id == id {
				s.errorFns = append(s.errorFns[:i:i], s.errorFns[i+1:]...)
				return
			}
		}
	}
}

// UnsubscribeAll removes every update and error listener.
func (s *Shape) UnsubscribeAll() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = nil
	s.errorFns = nil
}

// CurrentRows returns the current snapshot without waiting for sync.
func (s *Shape) CurrentRows() Rows {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}

// Rows waits until the shape is up to date and returns its snapshot. It
// returns the stream error if one arrives first.
func (s *Shape) Rows(ctx context.Context) (Rows, error) {
	for {
		s.mu.RLock()
		rows, upToDate, err, changed := s.rows, s.upToDate, s.err, s.changed
		s.mu.RUnlock()

		if err != nil {
			return nil, err
		}
		if upToDate {
			return rows, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Shape) IsUpToDate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upToDate
}

// LastSyncedAt is when the shape last processed an up-to-date message.
func (s *Shape) LastSyncedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncedAt
}

// Err returns the last stream error. A refetch clears it.
func (s *Shape) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Shape) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
