package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/protocol"
	"github.com/dgnsrekt/shapesync/internal/shape"
	"github.com/dgnsrekt/shapesync/internal/stream"
)

// RowSource is the materialized shape served by the API.
type RowSource interface {
	CurrentRows() shape.Rows
	IsUpToDate() bool
	LastSyncedAt() time.Time
	Err() error
}

// StreamStatus reports the position of the underlying stream.
type StreamStatus interface {
	State() stream.State
	LastOffset() protocol.Offset
	ShapeHandle() string
	IsConnected() bool
}

// Streamer serves push connections.
type Streamer interface {
	HandleSSE(w http.ResponseWriter, r *http.Request)
	HandleWS(w http.ResponseWriter, r *http.Request)
	Count() int
}

type Server struct {
	name   string
	rows   RowSource
	status StreamStatus
	push   Streamer
	logger *zap.Logger
}

func NewServer(name string, rows RowSource, status StreamStatus, push Streamer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		name:   name,
		rows:   rows,
		status: status,
		push:   push,
		logger: logger,
	}
}

// RowsResponse is the body of GET /v1/rows.
type RowsResponse struct {
	Shape        string          `json:"shape"`
	UpToDate     bool            `json:"up_to_date"`
	Offset       protocol.Offset `json:"offset"`
	Handle       string          `json:"handle"`
	LastSyncedAt *time.Time      `json:"last_synced_at,omitempty"`
	Count        int             `json:"count"`
	Rows         shape.Rows      `json:"rows"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string       `json:"status"`
	State     stream.State `json:"state"`
	Connected bool         `json:"connected"`
	UpToDate  bool         `json:"up_to_date"`
	Clients   int          `json:"clients"`
	Error     string       `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetRows returns the current materialized map. With ?wait=true it answers
// 503 until the shape has caught up.
func (s *Server) GetRows(w http.ResponseWriter, r *http.Request) {
	upToDate := s.rows.IsUpToDate()
	if r.URL.Query().Get("wait") == "true" && !upToDate {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "shape not yet synced"})
		return
	}

	rows := s.rows.CurrentRows()
	resp := RowsResponse{
		Shape:    s.name,
		UpToDate: upToDate,
		Offset:   s.status.LastOffset(),
		Handle:   s.status.ShapeHandle(),
		Count:    len(rows),
		Rows:     rows,
	}
	if t := s.rows.LastSyncedAt(); !t.IsZero() {
		resp.LastSyncedAt = &t
	}

	s.logger.Debug("returning rows",
		zap.Int("count", resp.Count),
		zap.String("offset", string(resp.Offset)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// GetHealth reports stream state. It answers 503 once the stream has failed.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	state := s.status.State()
	resp := HealthResponse{
		Status:    "ok",
		State:     state,
		Connected: s.status.IsConnected(),
		UpToDate:  s.rows.IsUpToDate(),
		Clients:   s.push.Count(),
	}
	status := http.StatusOK
	if err := s.rows.Err(); err != nil {
		resp.Error = err.Error()
	}
	if state == stream.StateError {
		resp.Status = "error"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
