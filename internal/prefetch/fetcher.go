package prefetch

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/fetch"
	"github.com/dgnsrekt/shapesync/internal/protocol"
)

// Fetcher serves catch-up pages from a Queue when the requested URL is the
// head of the chain and otherwise fetches directly, seeding a new chain from
// the response.
type Fetcher struct {
	inner  fetch.Fetcher
	max    int
	logger *zap.Logger

	mu    sync.Mutex
	queue *Queue
}

// Compile-time interface verification
var _ fetch.Fetcher = (*Fetcher)(nil)

// NewFetcher wraps inner. max bounds the outstanding speculative requests.
func NewFetcher(inner fetch.Fetcher, max int, logger *zap.Logger) *Fetcher {
	if max < 1 {
		max = DefaultMaxChunks
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		inner:  inner,
		max:    max,
		logger: logger,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (*fetch.Response, error) {
	f.mu.Lock()
	q := f.queue
	f.mu.Unlock()

	if q != nil {
		if r := q.Consume(rawURL); r != nil {
			f.logger.Debug("prefetch hit", zap.String("url", rawURL))
			return r.Wait(ctx)
		}
	}

	f.Abort()

	resp, err := f.inner.Fetch(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}

	if next := protocol.NextChunkURL(rawURL, resp.Header); next != "" {
		f.mu.Lock()
		f.queue = NewQueue(ctx, f.inner, next, header, f.max, f.logger)
		f.mu.Unlock()
	}
	return resp, nil
}

// Abort discards the current chain, cancelling its in-flight requests.
func (f *Fetcher) Abort() {
	f.mu.Lock()
	q := f.queue
	f.queue = nil
	f.mu.Unlock()

	if q != nil {
		q.Abort()
	}
}

// Pending reports the speculative requests held by the current chain.
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	q := f.queue
	f.mu.Unlock()

	if q == nil {
		return 0
	}
	return q.Pending()
}
