package stream

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dgnsrekt/shapesync/internal/decode"
	"github.com/dgnsrekt/shapesync/internal/fetch"
	"github.com/dgnsrekt/shapesync/internal/protocol"
)

var (
	ErrMissingURL    = errors.New("shape url is required")
	ErrMissingHandle = errors.New("a shape handle is required when resuming from a non-initial offset")
)

// ReservedParamError lists custom query parameters that collide with
// parameters owned by the protocol.
type ReservedParamError struct {
	Params []string
}

func (e *ReservedParamError) Error() string {
	return fmt.Sprintf("reserved query parameters cannot be set as custom params: %s", strings.Join(e.Params, ", "))
}

// Options configures a Stream.
type Options struct {
	// URL is the shape endpoint. Query parameters already on it are kept.
	URL string

	// Offset and Handle resume a previously observed position. Leave both
	// empty to fetch the shape from the beginning.
	Offset protocol.Offset
	Handle string

	Table   string
	Where   string
	Columns []string
	Replica protocol.Replica

	// Params are extra query parameters. Protocol parameter names are
	// rejected.
	Params map[string]string
	// Headers are sent with every request.
	Headers map[string]string

	// Subscribe keeps long-polling after catching up. When false the stream
	// stops once it is up to date.
	Subscribe bool

	// Backoff configures the default fetch client. Ignored when Fetcher is set.
	Backoff fetch.BackoffOptions

	Prefetch PrefetchOptions

	// Casters override the default column casters by type name.
	Casters map[string]decode.Caster

	// OnError intercepts any terminal error. Returning a Resume restarts the
	// stream from the beginning with the merged params and headers.
	OnError ErrorHook

	// Fetcher replaces the default backoff client at the bottom of the
	// fetcher chain.
	Fetcher fetch.Fetcher

	Observer Observer
}

// PrefetchOptions bounds read-ahead during catch-up.
type PrefetchOptions struct {
	// MaxChunks is the number of speculative requests kept in flight.
	// 0 uses the default; negative disables prefetching.
	MaxChunks int
}

// Resume is returned from an ErrorHook to restart the stream.
type Resume struct {
	Params  map[string]string
	Headers map[string]string
}

// ErrorHook decides whether a terminal error stops the stream.
type ErrorHook func(err error) *Resume

// Observer receives stream events, typically for metrics.
type Observer interface {
	ObserveResponse(live bool, status int, elapsed time.Duration)
	ObserveBatch(messages int)
	ObserveReset()
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) ObserveResponse(bool, int, time.Duration) {}
func (NoopObserver) ObserveBatch(int)                         {}
func (NoopObserver) ObserveReset()                            {}

// Validate checks the options without touching the network.
func (o *Options) Validate() error {
	if o.URL == "" {
		return ErrMissingURL
	}
	if _, err := url.Parse(o.URL); err != nil {
		return fmt.Errorf("invalid shape url: %w", err)
	}
	if err := checkParams(o.Params); err != nil {
		return err
	}
	if !o.Offset.IsInitial() && o.Handle == "" {
		return ErrMissingHandle
	}
	return nil
}

func checkParams(params map[string]string) error {
	var reserved []string
	for name := range params {
		if protocol.IsReservedParam(name) {
			reserved = append(reserved, name)
		}
	}
	if len(reserved) == 0 {
		return nil
	}
	sort.Strings(reserved)
	return &ReservedParamError{Params: reserved}
}
