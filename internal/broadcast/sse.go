package broadcast

import (
	"net/http"

	"go.uber.org/zap"
)

// HandleSSE streams snapshot and update events to the caller.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	c, err := b.register(TransportSSE)
	if err != nil {
		b.logger.Error("failed to register sse client", zap.Error(err))
		http.Error(w, "failed to build snapshot", http.StatusInternalServerError)
		return
	}
	defer b.unregister(c)

	b.logger.Debug("sse client streaming",
		zap.String("conn_id", c.id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			if _, err := w.Write(frame); err != nil {
				b.logger.Debug("failed to write to client", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
