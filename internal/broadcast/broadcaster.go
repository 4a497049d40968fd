// Package broadcast fans shape updates out to remote clients over
// server-sent events and websockets. Every client first receives a snapshot
// of the materialized rows, then one update event per notified batch.
package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/protocol"
	"github.com/dgnsrekt/shapesync/internal/shape"
)

// Event names.
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
)

// Transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// Send buffer size per client.
const sendBufferSize = 256

// Snapshotter supplies the rows sent to newly connected clients.
type Snapshotter interface {
	CurrentRows() shape.Rows
	IsUpToDate() bool
}

// ClientObserver is told about client connects and disconnects.
type ClientObserver interface {
	ClientConnected(transport string)
	ClientDisconnected(transport string)
}

type noopObserver struct{}

func (noopObserver) ClientConnected(string)    {}
func (noopObserver) ClientDisconnected(string) {}

// SnapshotEvent carries the full materialized map.
type SnapshotEvent struct {
	Sequence  uint64     `json:"sequence"`
	Timestamp int64      `json:"timestamp"`
	UpToDate  bool       `json:"up_to_date"`
	Rows      shape.Rows `json:"rows"`
}

// UpdateEvent carries the changes of one notified batch.
type UpdateEvent struct {
	Sequence  uint64                   `json:"sequence"`
	Timestamp int64                    `json:"timestamp"`
	Changes   []protocol.ChangeMessage `json:"changes"`
}

// wsEnvelope frames an event for websocket clients.
type wsEnvelope struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

// client is a connected subscriber of either transport.
type client struct {
	id        string
	transport string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Broadcaster tracks connected clients and publishes shape updates to them.
// A client that cannot keep up is disconnected and must reconnect for a
// fresh snapshot.
type Broadcaster struct {
	source   Snapshotter
	observer ClientObserver
	logger   *zap.Logger

	mu       sync.Mutex
	sequence uint64
	clients  map[*client]bool
}

func New(source Snapshotter, observer ClientObserver, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &Broadcaster{
		source:   source,
		observer: observer,
		logger:   logger,
		clients:  make(map[*client]bool),
	}
}

// register adds a client and queues its snapshot ahead of any update.
func (b *Broadcaster) register(transport string) (*client, error) {
	c := &client{
		id:        uuid.New().String(),
		transport: transport,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	snapshot := SnapshotEvent{
		Sequence:  b.sequence,
		Timestamp: time.Now().UnixMilli(),
		UpToDate:  b.source.IsUpToDate(),
		Rows:      b.source.CurrentRows(),
	}
	frame, err := formatEvent(transport, EventSnapshot, b.sequence, snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	c.send <- frame

	b.clients[c] = true
	b.observer.ClientConnected(transport)
	b.logger.Info("client connected",
		zap.String("conn_id", c.id),
		zap.String("transport", transport),
		zap.Int("rows", len(snapshot.Rows)),
	)
	return c, nil
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()

	c.close()
	if ok {
		b.observer.ClientDisconnected(c.transport)
		b.logger.Info("client disconnected",
			zap.String("conn_id", c.id),
			zap.String("transport", c.transport),
		)
	}
}

// Publish sends u to every client. A refetch is sent as a new snapshot so
// clients replace their state rather than patch it. It matches
// shape.Listener.
func (b *Broadcaster) Publish(u shape.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.clients) == 0 {
		return
	}

	b.sequence++
	event, payload := EventUpdate, any(UpdateEvent{
		Sequence:  b.sequence,
		Timestamp: time.Now().UnixMilli(),
		Changes:   u.Changes,
	})
	if u.Refetched {
		event, payload = EventSnapshot, SnapshotEvent{
			Sequence:  b.sequence,
			Timestamp: time.Now().UnixMilli(),
			UpToDate:  true,
			Rows:      u.Rows,
		}
	}

	frames := make(map[string][]byte, 2)
	for c := range b.clients {
		frame, ok := frames[c.transport]
		if !ok {
			var err error
			frame, err = formatEvent(c.transport, event, b.sequence, payload)
			if err != nil {
				b.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
				return
			}
			frames[c.transport] = frame
		}

		select {
		case c.send <- frame:
		default:
			// Buffer full, client is too slow
			b.logger.Warn("client buffer full, disconnecting",
				zap.String("conn_id", c.id),
				zap.String("transport", c.transport),
			)
			delete(b.clients, c)
			c.close()
			b.observer.ClientDisconnected(c.transport)
		}
	}
}

// Count returns the number of connected clients.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		b.unregister(c)
	}
}

func formatEvent(transport, event string, seq uint64, data any) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	if transport == TransportWebSocket {
		return json.Marshal(wsEnvelope{Event: event, ID: seq, Data: jsonData})
	}
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", event, seq, jsonData)), nil
}
