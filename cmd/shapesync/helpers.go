package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/dgnsrekt/shapesync/internal/config"
	"github.com/dgnsrekt/shapesync/internal/fetch"
	"github.com/dgnsrekt/shapesync/internal/metrics"
	"github.com/dgnsrekt/shapesync/internal/protocol"
	"github.com/dgnsrekt/shapesync/internal/shape"
	"github.com/dgnsrekt/shapesync/internal/stream"
)

// streamOptions builds stream options from cfg with the fetch client from
// the sync section. m may be nil.
func streamOptions(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) stream.Options {
	opts := cfg.StreamOptions()

	fetchOpts := cfg.Sync.FetchOptions()
	fetchOpts.Backoff.OnFailedAttempt = func(attempt int, err error) {
		logger.Warn("shape request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if m != nil {
			m.FailedAttempt(attempt, err)
		}
	}
	opts.Fetcher = fetch.NewClient(fetchOpts, logger)

	if m != nil {
		opts.Observer = m
	}
	return opts
}

// rowLine is one materialized row in JSON Lines output.
type rowLine struct {
	Key   string       `json:"key"`
	Value protocol.Row `json:"value"`
}

// writeRows writes rows as JSON Lines ordered by key.
func writeRows(w io.Writer, rows shape.Rows) error {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	enc := json.NewEncoder(w)
	for _, k := range keys {
		if err := enc.Encode(rowLine{Key: k, Value: rows[k]}); err != nil {
			return fmt.Errorf("writing row %s: %w", k, err)
		}
	}
	return nil
}

// writeMessages writes a batch as JSON Lines in wire form. Control messages
// are skipped unless controls is set.
func writeMessages(w io.Writer, batch []protocol.Message, controls bool) error {
	enc := json.NewEncoder(w)
	for _, m := range batch {
		if _, ok := m.(protocol.ControlMessage); ok && !controls {
			continue
		}
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("writing message: %w", err)
		}
	}
	return nil
}

// openOutput returns stdout for "" or "-", otherwise creates path.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
