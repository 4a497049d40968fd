// Package prefetch speculatively requests upcoming catch-up pages while the
// current page is being processed.
package prefetch

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/fetch"
	"github.com/dgnsrekt/shapesync/internal/protocol"
)

// DefaultMaxChunks is the default number of outstanding speculative requests.
const DefaultMaxChunks = 2

// Request is a speculative request that may still be in flight.
type Request struct {
	url    string
	done   chan struct{}
	resp   *fetch.Response
	err    error
	next   string
	cancel context.CancelFunc

	consumed bool
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) (*fetch.Response, error) {
	select {
	case <-r.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue is a chain of speculative requests keyed by URL, from head (the page
// the consumer asks for next) to tail (the furthest page known). At most max
// requests are held at once.
type Queue struct {
	inner  fetch.Fetcher
	header http.Header
	ctx    context.Context
	max    int
	logger *zap.Logger

	mu       sync.Mutex
	requests map[string]*Request
	head     string
	tail     string
	aborted  bool
}

// NewQueue starts fetching rawURL immediately. Every speculative request runs
// under a child of ctx, so cancelling ctx aborts the whole chain.
func NewQueue(ctx context.Context, inner fetch.Fetcher, rawURL string, header http.Header, max int, logger *zap.Logger) *Queue {
	if max < 1 {
		max = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		inner:    inner,
		header:   header,
		ctx:      ctx,
		max:      max,
		logger:   logger,
		requests: make(map[string]*Request),
		head:     rawURL,
		tail:     rawURL,
	}

	q.mu.Lock()
	q.start(rawURL)
	q.mu.Unlock()
	return q
}

// start must be called with mu held.
func (q *Queue) start(rawURL string) {
	ctx, cancel := context.WithCancel(q.ctx)
	r := &Request{
		url:    rawURL,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	q.requests[rawURL] = r
	q.logger.Debug("prefetching", zap.String("url", rawURL))

	go q.run(ctx, r)
}

func (q *Queue) run(ctx context.Context, r *Request) {
	resp, err := q.inner.Fetch(ctx, r.url, q.header)
	// The body is fully read, so the request context can go.
	r.cancel()

	q.mu.Lock()
	defer q.mu.Unlock()

	r.resp, r.err = resp, err
	if err == nil && !q.aborted {
		r.next = protocol.NextChunkURL(r.url, resp.Header)
		if r.next == r.url {
			r.next = ""
		}
	}
	close(r.done)

	if q.aborted {
		return
	}
	if r.url == q.tail {
		q.tail = r.next
	}
	if r.consumed {
		q.head = r.next
	}
	q.fill()
}

// fill starts the tail request if it is known, not yet started and there is
// capacity. Must be called with mu held.
func (q *Queue) fill() {
	if q.tail == "" || q.aborted {
		return
	}
	if _, ok := q.requests[q.tail]; ok {
		return
	}
	if len(q.requests) >= q.max {
		return
	}
	q.start(q.tail)
}

// Consume hands out the request for rawURL if it is the head of the chain.
// It returns nil on a miss; the caller must then fetch directly and should
// Abort the queue.
func (q *Queue) Consume(rawURL string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.aborted || rawURL != q.head {
		return nil
	}
	r, ok := q.requests[rawURL]
	if !ok {
		return nil
	}
	delete(q.requests, rawURL)

	select {
	case <-r.done:
		q.head = r.next
		q.fill()
	default:
		// An unfinished head is also the tail; run advances both.
		r.consumed = true
		q.head = ""
	}
	return r
}

// Abort cancels every speculative request and clears the chain.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.aborted = true
	for _, r := range q.requests {
		r.cancel()
	}
	q.requests = make(map[string]*Request)
	q.head = ""
	q.tail = ""
}

// Pending returns the number of speculative requests held, in flight or
// completed but not yet consumed.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}
