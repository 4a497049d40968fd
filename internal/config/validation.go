package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/shapesync/internal/stream"
)

// FieldError is a single invalid setting.
type FieldError struct {
	Field   string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Field, f.Problem))
	}
	return sb.String()
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Problem: fmt.Sprintf(format, args...)})
}

// Same grammar as checkpoint names.
var validShapeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	c.validateShape(errs)
	c.validateSync(errs)

	if c.Checkpoint.Enabled {
		if !ValidBackends[c.Checkpoint.Backend] {
			errs.add("checkpoint.backend", "unknown backend %q (valid: file, pebble)", c.Checkpoint.Backend)
		}
		if c.Checkpoint.Path == "" {
			errs.add("checkpoint.path", "is required when checkpoints are enabled")
		}
	}

	if err := c.Notify.Validate(); err != nil {
		errs.add("notify", "%v", err)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs.add("logging.level", "%v", err)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func (c *Config) validateShape(errs *ValidationErrors) {
	s := c.Shape

	if s.URL == "" {
		errs.add("shape.url", "is required (set SHAPESYNC_SHAPE_URL)")
	} else if u, err := url.Parse(s.URL); err != nil {
		errs.add("shape.url", "%v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs.add("shape.url", "scheme must be http or https, got %q", u.Scheme)
	}

	if s.Name != "" && !validShapeName.MatchString(s.Name) {
		errs.add("shape.name", "%q may only contain letters, digits, '.', '_' and '-'", s.Name)
	}
	if c.Checkpoint.Enabled && s.Name == "" {
		errs.add("shape.name", "is required when checkpoints are enabled (or set shape.table)")
	}

	if !ValidReplicas[s.Replica] {
		errs.add("shape.replica", "unknown replica mode %q (valid: default, full)", s.Replica)
	}

	opts := c.StreamOptions()
	opts.URL = "http://placeholder"
	if err := opts.Validate(); err != nil {
		var reserved *stream.ReservedParamError
		switch {
		case errors.As(err, &reserved):
			errs.add("shape.params", "%v", err)
		case errors.Is(err, stream.ErrMissingHandle):
			errs.add("shape.handle", "is required when shape.offset is set")
		default:
			errs.add("shape", "%v", err)
		}
	}
}

func (c *Config) validateSync(errs *ValidationErrors) {
	s := c.Sync

	if s.Timeout < 0 {
		errs.add("sync.timeout", "must be >= 0")
	}
	if s.RatePerSecond < 0 {
		errs.add("sync.rate_per_second", "must be >= 0")
	}

	b := s.Backoff
	if b.InitialDelay <= 0 {
		errs.add("sync.backoff.initial_delay", "must be > 0")
	}
	if b.MaxDelay < b.InitialDelay {
		errs.add("sync.backoff.max_delay", "must be >= initial_delay")
	}
	if b.Multiplier < 1 {
		errs.add("sync.backoff.multiplier", "must be >= 1")
	}
	if b.MaxRetries < 0 {
		errs.add("sync.backoff.max_retries", "must be >= 0")
	}

	if s.Prefetch.MaxChunks < -1 {
		errs.add("sync.prefetch.max_chunks", "must be >= -1")
	}
}
