package config

import (
	"github.com/dgnsrekt/shapesync/internal/fetch"
	"github.com/dgnsrekt/shapesync/internal/protocol"
	"github.com/dgnsrekt/shapesync/internal/stream"
)

// Supported checkpoint backends.
var ValidBackends = map[string]bool{
	"file":   true,
	"pebble": true,
}

// ValidReplicas lists the accepted shape.replica values. Empty leaves the
// server default.
var ValidReplicas = map[string]bool{
	"":                              true,
	string(protocol.ReplicaDefault): true,
	string(protocol.ReplicaFull):    true,
}

// BackoffOptions converts the backoff section. The failed-attempt hook is
// left for the caller.
func (c *SyncConfig) BackoffOptions() fetch.BackoffOptions {
	return fetch.BackoffOptions{
		InitialDelay: c.Backoff.InitialDelay,
		MaxDelay:     c.Backoff.MaxDelay,
		Multiplier:   c.Backoff.Multiplier,
		Jitter:       c.Backoff.Jitter,
		MaxRetries:   c.Backoff.MaxRetries,
	}
}

// FetchOptions converts the sync section into fetch client options.
func (c *SyncConfig) FetchOptions() fetch.Options {
	return fetch.Options{
		Timeout:       c.Timeout,
		RatePerSecond: c.RatePerSecond,
		Compression:   c.Compression,
		Backoff:       c.BackoffOptions(),
	}
}

// StreamOptions builds stream options for the configured shape. Fetcher,
// hooks and observers are left for the caller.
func (c *Config) StreamOptions() stream.Options {
	return stream.Options{
		URL:       c.Shape.URL,
		Offset:    protocol.Offset(c.Shape.Offset),
		Handle:    c.Shape.Handle,
		Table:     c.Shape.Table,
		Where:     c.Shape.Where,
		Columns:   c.Shape.Columns,
		Replica:   protocol.Replica(c.Shape.Replica),
		Params:    c.Shape.Params,
		Headers:   c.Shape.Headers,
		Subscribe: c.Sync.Subscribe,
		Backoff:   c.Sync.BackoffOptions(),
		Prefetch:  stream.PrefetchOptions{MaxChunks: c.Sync.Prefetch.MaxChunks},
	}
}
