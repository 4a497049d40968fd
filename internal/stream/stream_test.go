package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/shapesync/internal/decode"
	"github.com/dgnsrekt/shapesync/internal/fetch"
	"github.com/dgnsrekt/shapesync/internal/protocol"
)

const testSchema = `{"id":{"type":"int4","not_null":true},"title":{"type":"text"}}`

const threeInserts = `[
	{"key":"1","value":{"id":"1","title":"a"},"headers":{"operation":"insert"}},
	{"key":"2","value":{"id":"2","title":"b"},"headers":{"operation":"insert"}},
	{"key":"3","value":{"id":"3","title":"c"},"headers":{"operation":"insert"}},
	{"headers":{"control":"up-to-date"}}
]`

// shapeServer answers each request with the handler for its sequence number
// and records the query of every request.
type shapeServer struct {
	t       *testing.T
	handler func(w http.ResponseWriter, r *http.Request, n int)

	mu       sync.Mutex
	requests []url.Values
	headers  []http.Header
}

func newShapeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) (*shapeServer, *httptest.Server) {
	s := &shapeServer{t: t, handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.Query())
		s.headers = append(s.headers, r.Header.Clone())
		n := len(s.requests)
		s.mu.Unlock()
		s.handler(w, r, n)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *shapeServer) request(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		s.t.Fatalf("expected at least %d requests, got %d", i+1, len(s.requests))
	}
	return s.requests[i]
}

func (s *shapeServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func writePage(w http.ResponseWriter, handle, offset string, upToDate bool, body string) {
	w.Header().Set(protocol.HeaderHandle, handle)
	w.Header().Set(protocol.HeaderOffset, offset)
	w.Header().Set(protocol.HeaderSchema, testSchema)
	if upToDate {
		w.Header().Set(protocol.HeaderUpToDate, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func writeLive(w http.ResponseWriter, handle, offset, cursor string, body string) {
	w.Header().Set(protocol.HeaderHandle, handle)
	w.Header().Set(protocol.HeaderOffset, offset)
	w.Header().Set(protocol.HeaderCursor, cursor)
	if body == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func newTestStream(t *testing.T, opts Options) *Stream {
	t.Helper()
	s, err := New(opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStream_InitialSyncOneShot(t *testing.T) {
	_, srv := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writePage(w, "h1", "0_3", true, threeInserts)
	})

	s := newTestStream(t, Options{URL: srv.URL + "/v1/shape", Table: "items"})

	var batches [][]protocol.Message
	s.Subscribe(func(batch []protocol.Message) error {
		batches = append(batches, batch)
		return nil
	}, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !s.IsUpToDate() {
		t.Error("expected stream to be up to date")
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped state, got %s", s.State())
	}
	if s.LastSyncedAt().IsZero() {
		t.Error("expected last synced time to be recorded")
	}
	if s.ShapeHandle() != "h1" || s.LastOffset() != "0_3" {
		t.Errorf("unexpected position %s/%s", s.ShapeHandle(), s.LastOffset())
	}
	if s.Schema()["id"].Type != "int4" {
		t.Errorf("schema not cached: %#v", s.Schema())
	}
	if len(batches) != 1 || len(batches[0]) != 4 {
		t.Fatalf("expected one batch of 4 messages, got %v", batches)
	}
	first := batches[0][0].(protocol.ChangeMessage)
	if first.Value["id"] != 1 {
		t.Errorf("expected typed id, got %#v", first.Value["id"])
	}
}

func TestStream_PagesUntilUpToDate(t *testing.T) {
	srv, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		switch r.URL.Query().Get(protocol.ParamOffset) {
		case "-1":
			writePage(w, "h1", "1", false, `[{"key":"1","value":{"id":"1"},"headers":{"operation":"insert"}}]`)
		case "1":
			writePage(w, "h1", "2", false, `[{"key":"2","value":{"id":"2"},"headers":{"operation":"insert"}}]`)
		case "2":
			writePage(w, "h1", "3", true, `[{"headers":{"control":"up-to-date"}}]`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	s := newTestStream(t, Options{
		URL:     ts.URL,
		Table:   "items",
		Where:   "id > 0",
		Columns: []string{"id", "title"},
		Params:  map[string]string{"tenant": "acme"},
	})

	var keys []string
	s.Subscribe(func(batch []protocol.Message) error {
		for _, m := range batch {
			if c, ok := m.(protocol.ChangeMessage); ok {
				keys = append(keys, c.Key)
			}
		}
		return nil
	}, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(keys) != 2 || keys[0] != "1" || keys[1] != "2" {
		t.Errorf("batches delivered out of order: %v", keys)
	}
	if got := srv.count(); got != 3 {
		t.Errorf("expected each page requested once, got %d requests", got)
	}

	first := srv.request(0)
	if first.Get(protocol.ParamHandle) != "" {
		t.Error("initial request must not carry a handle")
	}
	if first.Get(protocol.ParamColumns) != "id,title" || first.Get(protocol.ParamWhere) != "id > 0" {
		t.Errorf("unexpected shape params: %v", first)
	}
	if first.Get("tenant") != "acme" {
		t.Error("custom param missing")
	}
	for i := 1; i < srv.count(); i++ {
		q := srv.request(i)
		if q.Get(protocol.ParamHandle) != "h1" {
			t.Errorf("request %d missing handle: %v", i, q)
		}
		if q.Has(protocol.ParamLive) {
			t.Errorf("one-shot stream must not go live: %v", q)
		}
	}
}

func TestStream_ResumesFromOffset(t *testing.T) {
	srv, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writePage(w, "h7", "9_0", true, `[{"headers":{"control":"up-to-date"}}]`)
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items", Offset: "8_2", Handle: "h7"})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 0; i < srv.count(); i++ {
		q := srv.request(i)
		if q.Get(protocol.ParamOffset) == protocol.InitialOffset.String() {
			t.Fatalf("resumed stream requested the initial offset: %v", q)
		}
	}
	if q := srv.request(0); q.Get(protocol.ParamOffset) != "8_2" || q.Get(protocol.ParamHandle) != "h7" {
		t.Errorf("unexpected first request %v", q)
	}
}

func TestStream_ConflictResets(t *testing.T) {
	srv, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		switch n {
		case 1:
			writePage(w, "h1", "1", false, `[{"key":"1","value":{"id":"1"},"headers":{"operation":"insert"}}]`)
		case 2:
			w.Header().Set(protocol.HeaderHandle, "h2")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`[{"headers":{"control":"must-refetch"}}]`))
		default:
			w.Header().Set(protocol.HeaderHandle, "h2")
			w.Header().Set(protocol.HeaderOffset, "0_1")
			w.Header().Set(protocol.HeaderSchema, `{"id":{"type":"int8","not_null":true}}`)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"key":"1","value":{"id":"1"},"headers":{"operation":"insert"}},{"headers":{"control":"up-to-date"}}]`))
		}
	})

	var failed atomic.Int32
	s := newTestStream(t, Options{
		URL:      ts.URL,
		Table:    "items",
		Prefetch: PrefetchOptions{MaxChunks: -1},
		Backoff: fetch.BackoffOptions{
			OnFailedAttempt: func(int, error) { failed.Add(1) },
		},
	})

	var (
		controls        []protocol.Control
		schemaAtRefetch protocol.Schema
		firstSchema     protocol.Schema
	)
	s.Subscribe(func(batch []protocol.Message) error {
		if firstSchema == nil {
			firstSchema = s.Schema()
		}
		for _, m := range batch {
			if c, ok := m.(protocol.ControlMessage); ok {
				controls = append(controls, c.Control)
				if c.Control == protocol.ControlMustRefetch {
					schemaAtRefetch = s.Schema()
				}
			}
		}
		return nil
	}, nil)

	start := time.Now()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if failed.Load() != 0 {
		t.Errorf("409 must not count as a failed attempt, got %d", failed.Load())
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("conflict should be retried without delay, took %v", elapsed)
	}

	third := srv.request(2)
	if third.Get(protocol.ParamOffset) != "-1" || third.Get(protocol.ParamHandle) != "h2" {
		t.Errorf("expected refetch from -1 with new handle, got %v", third)
	}
	if len(controls) != 2 || controls[0] != protocol.ControlMustRefetch || controls[1] != protocol.ControlUpToDate {
		t.Errorf("unexpected control sequence %v", controls)
	}
	if s.ShapeHandle() != "h2" {
		t.Errorf("expected new handle, got %s", s.ShapeHandle())
	}

	if firstSchema["id"].Type != "int4" {
		t.Errorf("expected int4 schema under h1, got %v", firstSchema)
	}
	if schemaAtRefetch != nil {
		t.Errorf("schema should be cleared on conflict, got %v", schemaAtRefetch)
	}
	if got := s.Schema()["id"].Type; got != "int8" {
		t.Errorf("expected schema of the new handle, got %q", got)
	}
}

func TestStream_DecodeFailureKeepsOffset(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		switch n {
		case 1:
			writePage(w, "h1", "0_1", false, `[{"key":"1","value":{"id":"1"},"headers":{"operation":"insert"}}]`)
		default:
			writePage(w, "h1", "0_2", true, `[{"key":"2","value":{"id":null},"headers":{"operation":"insert"}},{"headers":{"control":"up-to-date"}}]`)
		}
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items", Prefetch: PrefetchOptions{MaxChunks: -1}})

	var batches int
	s.Subscribe(func([]protocol.Message) error {
		batches++
		return nil
	}, nil)

	err := s.Run(context.Background())
	if !errors.Is(err, decode.ErrNullNotAllowed) {
		t.Fatalf("expected null error, got %v", err)
	}
	if batches != 1 {
		t.Errorf("expected only the first batch delivered, got %d", batches)
	}
	if s.LastOffset() != "0_1" {
		t.Errorf("offset must not pass the undelivered batch, got %s", s.LastOffset())
	}
}

func TestStream_ConflictWithoutBodyStillRefetches(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			w.Header().Set(protocol.HeaderHandle, "h2")
			w.WriteHeader(http.StatusConflict)
			return
		}
		writePage(w, "h2", "0_0", true, `[{"headers":{"control":"up-to-date"}}]`)
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items"})

	var refetched bool
	s.Subscribe(func(batch []protocol.Message) error {
		if c, ok := batch[0].(protocol.ControlMessage); ok && c.Control == protocol.ControlMustRefetch {
			refetched = true
		}
		return nil
	}, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !refetched {
		t.Error("expected a must-refetch to be delivered for an empty 409 body")
	}
}

func TestStream_MissingHandleHeader(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set(protocol.HeaderOffset, "0_0")
		w.Header().Set(protocol.HeaderSchema, testSchema)
		_, _ = w.Write([]byte(threeInserts))
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items"})

	var batches int
	var subErr error
	s.Subscribe(func([]protocol.Message) error {
		batches++
		return nil
	}, func(err error) { subErr = err })

	err := s.Run(context.Background())
	var mh *protocol.MissingHeadersError
	if !errors.As(err, &mh) {
		t.Fatalf("expected MissingHeadersError, got %v", err)
	}
	if len(mh.Missing) != 1 || mh.Missing[0] != protocol.HeaderHandle {
		t.Errorf("expected only the handle header missing, got %v", mh.Missing)
	}
	if batches != 0 {
		t.Errorf("no batch may be delivered, got %d", batches)
	}
	if !errors.Is(subErr, err) {
		t.Errorf("subscriber should receive the error, got %v", subErr)
	}
	if s.State() != StateError || s.Err() == nil {
		t.Errorf("expected error state, got %s (%v)", s.State(), s.Err())
	}
}

func TestStream_FatalClientError(t *testing.T) {
	srv, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		http.Error(w, `{"message":"invalid where clause"}`, http.StatusBadRequest)
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items"})

	var subErr error
	s.Subscribe(nil, func(err error) { subErr = err })

	err := s.Run(context.Background())
	if fetch.StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %v", err)
	}
	if fetch.StatusOf(subErr) != http.StatusBadRequest {
		t.Errorf("subscriber should see the 400, got %v", subErr)
	}
	if srv.count() != 1 {
		t.Errorf("4xx must not be retried, got %d requests", srv.count())
	}
}

func TestStream_ErrorHookResumes(t *testing.T) {
	srv, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writePage(w, "h1", "0_0", true, `[{"headers":{"control":"up-to-date"}}]`)
	})

	var hookCalls int
	s := newTestStream(t, Options{
		URL:     ts.URL,
		Table:   "items",
		Headers: map[string]string{"Authorization": "Bearer stale"},
		OnError: func(err error) *Resume {
			hookCalls++
			if fetch.StatusOf(err) != http.StatusUnauthorized {
				return nil
			}
			return &Resume{
				Params:  map[string]string{"tenant": "acme"},
				Headers: map[string]string{"Authorization": "Bearer fresh"},
			}
		},
	})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hookCalls != 1 {
		t.Errorf("expected hook called once, got %d", hookCalls)
	}
	if !s.IsUpToDate() || s.Err() != nil {
		t.Errorf("expected healthy up-to-date stream, err=%v", s.Err())
	}
	second := srv.request(1)
	if second.Get("tenant") != "acme" || second.Get(protocol.ParamOffset) != "-1" {
		t.Errorf("resume should restart with merged params, got %v", second)
	}
}

func TestStream_ErrorHookRejectsReservedParams(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.WriteHeader(http.StatusForbidden)
	})

	s := newTestStream(t, Options{
		URL:   ts.URL,
		Table: "items",
		OnError: func(error) *Resume {
			return &Resume{Params: map[string]string{"offset": "0"}}
		},
	})

	var rp *ReservedParamError
	if err := s.Run(context.Background()); !errors.As(err, &rp) {
		t.Fatalf("expected ReservedParamError, got %v", err)
	}
}

func TestStream_SubscriberIsolation(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			writePage(w, "h1", "1", false, `[{"key":"1","value":{"id":"1"},"headers":{"operation":"insert"}}]`)
			return
		}
		writePage(w, "h1", "2", true, `[{"key":"2","value":{"id":"2"},"headers":{"operation":"insert"}},{"headers":{"control":"up-to-date"}}]`)
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items"})

	var faulty, healthy int
	s.Subscribe(func([]protocol.Message) error {
		faulty++
		if faulty == 1 {
			panic("boom")
		}
		return errors.New("still broken")
	}, nil)
	s.Subscribe(func([]protocol.Message) error {
		healthy++
		return nil
	}, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if faulty != 2 {
		t.Errorf("failing subscriber should still receive later batches, got %d", faulty)
	}
	if healthy != 2 {
		t.Errorf("healthy subscriber should receive every batch, got %d", healthy)
	}
}

func TestStream_Unsubscribe(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writePage(w, "h1", "0_0", true, threeInserts)
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items"})
	var calls int
	unsubscribe := s.Subscribe(func([]protocol.Message) error {
		calls++
		return nil
	}, nil)
	unsubscribe()
	unsubscribe()

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 0 {
		t.Errorf("unsubscribed callback was called %d times", calls)
	}
}

func TestStream_LivePolling(t *testing.T) {
	var s *Stream
	srv, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		switch n {
		case 1:
			writePage(w, "h1", "0_0", true, `[{"headers":{"control":"up-to-date"}}]`)
		case 2:
			writeLive(w, "h1", "1_0", "c1", `[{"key":"1","value":{"id":"1"},"headers":{"operation":"insert"}},{"headers":{"control":"up-to-date"}}]`)
		case 3:
			writeLive(w, "h1", "1_0", "c2", "")
		default:
			s.Stop()
			writeLive(w, "h1", "1_0", "c3", "")
		}
	})

	s = newTestStream(t, Options{URL: ts.URL, Table: "items", Subscribe: true})

	var changes int
	s.Subscribe(func(batch []protocol.Message) error {
		for _, m := range batch {
			if _, ok := m.(protocol.ChangeMessage); ok {
				changes++
			}
		}
		return nil
	}, nil)

	select {
	case err := <-s.Start(context.Background()):
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}

	if changes != 1 {
		t.Errorf("expected 1 change, got %d", changes)
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}

	second := srv.request(1)
	if second.Get(protocol.ParamLive) != "true" || second.Get(protocol.ParamHandle) != "h1" {
		t.Errorf("expected live request after catching up, got %v", second)
	}
	if srv.request(2).Get(protocol.ParamCursor) != "c1" {
		t.Errorf("expected cursor from previous live response, got %v", srv.request(2))
	}
	if srv.request(3).Get(protocol.ParamCursor) != "c2" {
		t.Errorf("expected cursor c2, got %v", srv.request(3))
	}
}

func TestStream_LiveResponseMissingCursor(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			writePage(w, "h1", "0_0", true, `[{"headers":{"control":"up-to-date"}}]`)
			return
		}
		w.Header().Set(protocol.HeaderHandle, "h1")
		w.Header().Set(protocol.HeaderOffset, "1_0")
		w.WriteHeader(http.StatusNoContent)
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items", Subscribe: true})

	err := s.Run(context.Background())
	var mh *protocol.MissingHeadersError
	if !errors.As(err, &mh) || len(mh.Missing) != 1 || mh.Missing[0] != protocol.HeaderCursor {
		t.Fatalf("expected missing cursor header, got %v", err)
	}
}

func TestStream_CancelStops(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		<-r.Context().Done()
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items", Subscribe: true})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := s.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("cancellation should not be an error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	if s.State() != StateStopped || s.IsConnected() {
		t.Errorf("expected stopped and disconnected, got %s connected=%v", s.State(), s.IsConnected())
	}
}

func TestStream_RunAfterStop(t *testing.T) {
	srv, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writePage(w, "h1", "0_0", true, `[{"headers":{"control":"up-to-date"}}]`)
	})

	s := newTestStream(t, Options{URL: ts.URL, Table: "items"})
	s.Stop()

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run after Stop: %v", err)
	}
	if srv.count() != 0 {
		t.Errorf("stopped stream should not fetch, got %d requests", srv.count())
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{}, nil)
	if !errors.Is(err, ErrMissingURL) {
		t.Errorf("expected ErrMissingURL, got %v", err)
	}

	_, err = New(Options{URL: "http://x", Offset: "3_1"}, nil)
	if !errors.Is(err, ErrMissingHandle) {
		t.Errorf("expected ErrMissingHandle, got %v", err)
	}

	_, err = New(Options{
		URL:    "http://x",
		Params: map[string]string{"table": "t", "offset": "0", "tenant": "acme", "live": "1"},
	}, nil)
	var rp *ReservedParamError
	if !errors.As(err, &rp) {
		t.Fatalf("expected ReservedParamError, got %v", err)
	}
	want := []string{"live", "offset", "table"}
	if len(rp.Params) != len(want) {
		t.Fatalf("expected %v, got %v", want, rp.Params)
	}
	for i := range want {
		if rp.Params[i] != want[i] {
			t.Errorf("expected %v, got %v", want, rp.Params)
			break
		}
	}
}

func TestStream_ObserverSeesEvents(t *testing.T) {
	_, ts := newShapeServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			w.Header().Set(protocol.HeaderHandle, "h2")
			w.WriteHeader(http.StatusConflict)
			return
		}
		writePage(w, "h2", "0_0", true, threeInserts)
	})

	obs := &recordingObserver{}
	s := newTestStream(t, Options{URL: ts.URL, Table: "items", Observer: obs})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(obs.statuses) != 2 || obs.statuses[0] != http.StatusConflict || obs.statuses[1] != http.StatusOK {
		t.Errorf("unexpected statuses %v", obs.statuses)
	}
	if obs.resets != 1 {
		t.Errorf("expected 1 reset, got %d", obs.resets)
	}
	if obs.messages != 5 {
		t.Errorf("expected 5 messages observed, got %d", obs.messages)
	}
}

type recordingObserver struct {
	statuses []int
	messages int
	resets   int
}

func (o *recordingObserver) ObserveResponse(_ bool, status int, _ time.Duration) {
	o.statuses = append(o.statuses, status)
}
func (o *recordingObserver) ObserveBatch(n int) { o.messages += n }
func (o *recordingObserver) ObserveReset()      { o.resets++ }
