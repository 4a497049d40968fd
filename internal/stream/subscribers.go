package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/protocol"
)

// BatchFunc receives every decoded batch in order. A returned error is
// logged and does not affect other subscribers or the stream.
type BatchFunc func(batch []protocol.Message) error

// ErrorFunc receives terminal stream errors.
type ErrorFunc func(err error)

type subscriber struct {
	id      uint64
	onBatch BatchFunc
	onError ErrorFunc
}

// broadcaster delivers batches synchronously to subscribers in subscription
// order, isolating each one from the failures of the others.
type broadcaster struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []*subscriber
}

func newBroadcaster(logger *zap.Logger) *broadcaster {
	return &broadcaster{logger: logger}
}

func (b *broadcaster) add(onBatch BatchFunc, onError ErrorFunc) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, onBatch: onBatch, onError: onError}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *broadcaster) removeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *broadcaster) snapshot() []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscriber, len(b.subs))
	copy(out, b.subs)
	return out
}

func (b *broadcaster) publish(batch []protocol.Message) {
	for _, sub := range b.snapshot() {
		b.deliver(sub, batch)
	}
}

func (b *broadcaster) deliver(sub *subscriber, batch []protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				zap.Uint64("subscriber", sub.id),
				zap.Any("panic", r),
			)
		}
	}()

	if sub.onBatch == nil {
		return
	}
	if err := sub.onBatch(batch); err != nil {
		b.logger.Warn("subscriber failed to handle batch",
			zap.Uint64("subscriber", sub.id),
			zap.Int("messages", len(batch)),
			zap.Error(err),
		)
	}
}

func (b *broadcaster) publishError(err error) {
	for _, sub := range b.snapshot() {
		if sub.onError == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber error handler panicked",
						zap.Uint64("subscriber", sub.id),
						zap.Any("panic", r),
					)
				}
			}()
			sub.onError(err)
		}()
	}
}
