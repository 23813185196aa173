// Package telemetry records per-epoch training metrics and periodic sample
// images, keyed by the run's monotonically increasing global step.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
)

// Sink receives scalar metrics and rendered sample images. Implementations
// must tolerate repeated writes for the same step (a resumed run replays its
// last epoch).
type Sink interface {
	// LogScalars records named scalar values for one global step.
	LogScalars(ctx context.Context, step int64, values map[string]float64) error

	// LogImage records one rendered sample, PNG-encoded.
	LogImage(ctx context.Context, step int64, name, caption string, png []byte) error

	// Close flushes and releases the sink.
	Close() error
}

// New builds a sink by name: console, sqlite, or none.
func New(kind, path string) (Sink, error) {
	switch kind {
	case "", "console":
		return NewConsoleSink(), nil
	case "sqlite":
		return NewSQLiteSink(path)
	case "none":
		return NopSink{}, nil
	default:
		return nil, errors.Newf(errors.ConfigurationError, "unknown telemetry sink %q", kind)
	}
}

// ConsoleSink writes metrics through the logger. Images are reported by
// name and size only.
type ConsoleSink struct {
	logger *logging.Logger
}

// NewConsoleSink creates a console sink on the global logger.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{logger: logging.GetLogger()}
}

func (s *ConsoleSink) LogScalars(ctx context.Context, step int64, values map[string]float64) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.6g", name, values[name]))
	}
	s.logger.Info(ctx, "step %d: %s", step, strings.Join(parts, " "))
	return nil
}

func (s *ConsoleSink) LogImage(ctx context.Context, step int64, name, caption string, png []byte) error {
	s.logger.Info(ctx, "step %d: image %s (%d bytes): %s", step, name, len(png), caption)
	return nil
}

func (s *ConsoleSink) Close() error { return nil }

// NopSink drops everything.
type NopSink struct{}

func (NopSink) LogScalars(context.Context, int64, map[string]float64) error { return nil }

func (NopSink) LogImage(context.Context, int64, string, string, []byte) error { return nil }

func (NopSink) Close() error { return nil }

// MultiSink fans every record out to all children, reporting the first
// error after attempting each one.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; nils are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) LogScalars(ctx context.Context, step int64, values map[string]float64) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.LogScalars(ctx, step, values); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) LogImage(ctx context.Context, step int64, name, caption string, png []byte) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.LogImage(ctx, step, name, caption, png); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
