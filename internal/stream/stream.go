// Package stream drives a shape subscription: it pages through the shape
// log until caught up, then long-polls for changes, delivering each decoded
// batch to subscribers in order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/decode"
	"github.com/dgnsrekt/shapesync/internal/fetch"
	"github.com/dgnsrekt/shapesync/internal/prefetch"
	"github.com/dgnsrekt/shapesync/internal/protocol"
)

// State is the position of a stream in its lifecycle.
type State string

const (
	StateInitialFetch State = "initial_fetch"
	StateCaughtUp     State = "caught_up"
	StateLivePoll     State = "live_poll"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Stream is a single shape subscription. Run must not be called
// concurrently; every other method is safe from any goroutine.
type Stream struct {
	opts     Options
	logger   *zap.Logger
	fetcher  fetch.Fetcher
	prefetch *prefetch.Fetcher
	parser   *decode.Parser
	observer Observer
	subs     *broadcaster

	mu           sync.RWMutex
	header       http.Header
	params       map[string]string
	state        State
	offset       protocol.Offset
	handle       string
	cursor       string
	schema       protocol.Schema
	decoder      *decode.Decoder
	upToDate     bool
	lastSyncedAt time.Time
	connected    bool
	err          error
	cancel       context.CancelFunc
	stopped      bool
}

// New validates opts and builds the fetcher chain. No request is made until
// Run is called.
func New(opts Options, logger *zap.Logger) (*Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("shape_url", opts.URL))

	base := opts.Fetcher
	if base == nil {
		base = fetch.NewClient(fetch.Options{Backoff: opts.Backoff}, logger)
	}

	s := &Stream{
		opts:     opts,
		logger:   logger,
		parser:   decode.NewParser(opts.Casters),
		observer: opts.Observer,
		subs:     newBroadcaster(logger),
		header:   make(http.Header),
		params:   make(map[string]string, len(opts.Params)),
		state:    StateInitialFetch,
		offset:   opts.Offset,
		handle:   opts.Handle,
	}
	if s.observer == nil {
		s.observer = NoopObserver{}
	}
	if s.offset == "" {
		s.offset = protocol.InitialOffset
	}
	for k, v := range opts.Params {
		s.params[k] = v
	}
	for k, v := range opts.Headers {
		s.header.Set(k, v)
	}

	inner := base
	if opts.Prefetch.MaxChunks >= 0 {
		s.prefetch = prefetch.NewFetcher(base, opts.Prefetch.MaxChunks, logger)
		inner = s.prefetch
	}
	s.fetcher = &checkedFetcher{inner: inner}

	return s, nil
}

// Subscribe registers callbacks for batches and terminal errors. The
// returned func removes the subscription.
func (s *Stream) Subscribe(onBatch BatchFunc, onError ErrorFunc) func() {
	return s.subs.add(onBatch, onError)
}

// UnsubscribeAll removes every subscriber.
func (s *Stream) UnsubscribeAll() {
	s.subs.removeAll()
}

// Start runs the stream in a new goroutine. The channel receives the result
// of Run and is then closed.
func (s *Stream) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- s.Run(ctx)
	}()
	return errCh
}

// Stop cancels a running stream. Run then returns nil. Stop is final: later
// calls to Run return immediately without fetching.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Run fetches until ctx is cancelled, Stop is called, a one-shot stream
// catches up, or a terminal error is not resumed by the error hook.
// Cancellation is not an error.
func (s *Stream) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.setState(StateStopped)
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	defer s.abortPrefetch()

	for {
		if ctx.Err() != nil {
			s.finish()
			return nil
		}

		done, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.finish()
				return nil
			}
			if err = s.handleFailure(err); err != nil {
				return err
			}
			continue
		}
		if done {
			s.logger.Info("shape synced, stopping one-shot stream",
				zap.String("offset", s.LastOffset().String()),
			)
			s.finish()
			return nil
		}
	}
}

// poll issues one request and delivers its batch. It reports whether a
// one-shot stream is finished.
func (s *Stream) poll(ctx context.Context) (bool, error) {
	rawURL, live, err := s.requestURL()
	if err != nil {
		return false, err
	}
	if live {
		s.setState(StateLivePoll)
	}

	s.logger.Debug("requesting shape",
		zap.String("url", rawURL),
		zap.Bool("live", live),
	)

	start := time.Now()
	resp, err := s.fetcher.Fetch(ctx, rawURL, s.requestHeader())
	if err != nil {
		s.observer.ObserveResponse(live, fetch.StatusOf(err), time.Since(start))
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var fe *fetch.FetchError
		if errors.As(err, &fe) && fe.Status == http.StatusConflict {
			s.conflict(fe)
			return false, nil
		}
		return false, err
	}
	s.observer.ObserveResponse(live, resp.StatusCode, time.Since(start))

	dec, err := s.decoderFor(resp.Header)
	if err != nil {
		return false, err
	}

	batch, err := dec.Decode(resp.Body)
	if err != nil {
		return false, err
	}
	s.commitHeaders(resp.Header)

	if len(batch) > 0 {
		if protocol.IsUpToDate(batch[len(batch)-1]) {
			s.markUpToDate()
		}
		s.observer.ObserveBatch(len(batch))
		s.subs.publish(batch)
	} else if resp.StatusCode == http.StatusNoContent {
		s.mu.Lock()
		s.lastSyncedAt = time.Now()
		s.mu.Unlock()
	}

	return !s.opts.Subscribe && s.IsUpToDate(), nil
}

func (s *Stream) requestURL() (string, bool, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", false, fmt.Errorf("parsing shape url: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := u.Query()
	for k, v := range s.params {
		q.Set(k, v)
	}
	if s.opts.Table != "" {
		q.Set(protocol.ParamTable, s.opts.Table)
	}
	if s.opts.Where != "" {
		q.Set(protocol.ParamWhere, s.opts.Where)
	}
	if len(s.opts.Columns) > 0 {
		q.Set(protocol.ParamColumns, protocol.ColumnsParam(s.opts.Columns))
	}
	if s.opts.Replica != "" {
		q.Set(protocol.ParamReplica, string(s.opts.Replica))
	}
	q.Set(protocol.ParamOffset, s.offset.String())
	if s.handle != "" {
		q.Set(protocol.ParamHandle, s.handle)
	}
	live := s.upToDate
	if live {
		q.Set(protocol.ParamLive, "true")
		if s.cursor != "" {
			q.Set(protocol.ParamCursor, s.cursor)
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), live, nil
}

func (s *Stream) requestHeader() http.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header.Clone()
}

// decoderFor returns the decoder for a response body, caching the schema
// the first time a handle carries one.
func (s *Stream) decoderFor(h http.Header) (*decode.Decoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The schema is fixed for the life of a handle.
	if s.schema == nil {
		if raw := h.Get(protocol.HeaderSchema); raw != "" {
			schema, err := protocol.ParseSchema(raw)
			if err != nil {
				return nil, err
			}
			s.schema = schema
			s.decoder = s.parser.Compile(schema)
		}
	}
	if s.decoder == nil {
		s.decoder = s.parser.Compile(nil)
	}
	return s.decoder, nil
}

// commitHeaders records the cursors of a response whose body decoded.
func (s *Stream) commitHeaders(h http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = true
	if v := h.Get(protocol.HeaderOffset); v != "" {
		s.offset = protocol.Offset(v)
	}
	if v := h.Get(protocol.HeaderHandle); v != "" {
		s.handle = v
	}
	if v := h.Get(protocol.HeaderCursor); v != "" {
		s.cursor = v
	}
}

func (s *Stream) markUpToDate() {
	s.mu.Lock()
	first := !s.upToDate
	s.upToDate = true
	s.lastSyncedAt = time.Now()
	s.state = StateCaughtUp
	offset := s.offset
	s.mu.Unlock()

	if first {
		s.logger.Info("shape up to date", zap.String("offset", offset.String()))
	}
}

// conflict handles a 409: the server replaced the shape, so start over under
// the new handle and hand the reset instructions to subscribers.
func (s *Stream) conflict(fe *fetch.FetchError) {
	newHandle := fe.Header.Get(protocol.HeaderHandle)
	s.logger.Warn("shape handle conflict, refetching",
		zap.String("old_handle", s.ShapeHandle()),
		zap.String("new_handle", newHandle),
	)

	s.reset(newHandle)
	s.abortPrefetch()
	s.observer.ObserveReset()

	batch, err := s.parser.Compile(nil).Decode(fe.Body)
	if err != nil || len(batch) == 0 {
		batch = []protocol.Message{protocol.ControlMessage{
			Control: protocol.ControlMustRefetch,
			Headers: protocol.Headers{"control": string(protocol.ControlMustRefetch)},
		}}
	}
	s.observer.ObserveBatch(len(batch))
	s.subs.publish(batch)
}

func (s *Stream) reset(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = protocol.InitialOffset
	s.handle = handle
	s.cursor = ""
	s.schema = nil
	s.decoder = nil
	s.upToDate = false
	s.state = StateInitialFetch
}

// handleFailure reports a terminal error to subscribers and consults the error
// hook. It returns nil when the stream should continue from scratch.
func (s *Stream) handleFailure(err error) error {
	s.mu.Lock()
	s.err = err
	s.connected = false
	s.mu.Unlock()

	s.logger.Error("shape stream failed", zap.Error(err))
	s.subs.publishError(err)

	var resume *Resume
	if s.opts.OnError != nil {
		resume = s.opts.OnError(err)
	}
	if resume == nil {
		s.setState(StateError)
		return err
	}
	if perr := checkParams(resume.Params); perr != nil {
		s.setState(StateError)
		return perr
	}

	s.abortPrefetch()
	s.reset("")

	s.mu.Lock()
	for k, v := range resume.Params {
		s.params[k] = v
	}
	for k, v := range resume.Headers {
		s.header.Set(k, v)
	}
	s.err = nil
	s.mu.Unlock()

	s.logger.Info("resuming shape stream after error")
	return nil
}

func (s *Stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.state = StateStopped
}

func (s *Stream) abortPrefetch() {
	if s.prefetch != nil {
		s.prefetch.Abort()
	}
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsUpToDate reports whether the stream has caught up with the server.
func (s *Stream) IsUpToDate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upToDate
}

// LastSyncedAt is the time of the last up-to-date batch or empty live
// response. It is zero until the first sync.
func (s *Stream) LastSyncedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncedAt
}

func (s *Stream) LastOffset() protocol.Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

func (s *Stream) ShapeHandle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Schema returns the cached column schema, or nil before the first
// catch-up response.
func (s *Stream) Schema() protocol.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// Err returns the last terminal error, or nil.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// IsConnected reports whether the last request succeeded and the stream is
// still running.
func (s *Stream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// checkedFetcher rejects successful responses missing protocol headers.
type checkedFetcher struct {
	inner fetch.Fetcher
}

func (f *checkedFetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (*fetch.Response, error) {
	resp, err := f.inner.Fetch(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckHeaders(rawURL, resp.Header); err != nil {
		return nil, err
	}
	return resp, nil
}
