// ABOUTME: Sink interface plus the SQLite-backed and fan-out implementations
// ABOUTME: Responses are truncated before they reach any sink

package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/2389/relay-gateway/internal/store"
)

// MaxResponseBytes bounds the response body recorded per execution.
const MaxResponseBytes = 10 * 1024

// Sink receives one record per tool call attempt.
type Sink interface {
	Record(ctx context.Context, e *store.Execution) error
	Close() error
}

// StoreSink writes executions to the gateway database.
type StoreSink struct {
	store store.ExecutionStore
}

// NewStoreSink wraps an ExecutionStore as a Sink.
func NewStoreSink(s store.ExecutionStore) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Record(ctx context.Context, e *store.Execution) error {
	return s.store.RecordExecution(ctx, e)
}

// Close is a no-op; the store is owned by the gateway.
func (s *StoreSink) Close() error { return nil }

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMultiSink combines sinks. Nil entries are skipped.
func NewMultiSink(logger *slog.Logger, sinks ...Sink) *MultiSink {
	m := &MultiSink{logger: logger.With("component", "audit")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Record writes to every sink even when an earlier one fails.
func (m *MultiSink) Record(ctx context.Context, e *store.Execution) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many sinks are attached.
func (m *MultiSink) Len() int { return len(m.sinks) }

// Truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
