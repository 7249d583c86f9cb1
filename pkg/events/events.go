// Package events records what a node did during a run: membership changes,
// per-entry outcomes and pass totals. Sinks are best effort; a failing sink
// is logged and never stops a migration.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sharelift/pkg/types"
)

// Kind names an event type.
type Kind string

const (
	NodeJoined    Kind = "join"
	NodeLeft      Kind = "leave"
	NodeSuspected Kind = "suspect"
	NodeRecovered Kind = "recover"
	NodeDead      Kind = "dead"
	EntryDone     Kind = "entry"
	PassDone      Kind = "pass"
	RunDone       Kind = "end"
	RunRerun      Kind = "rerun"
)

// Event is one record. Subject is the node a membership event is about;
// Outcome and Stats are set for entry and pass events respectively.
type Event struct {
	Time    time.Time
	RunID   string
	Node    types.NodeID
	Kind    Kind
	Subject types.NodeID
	Epoch   uint64
	Reason  string
	Outcome *types.Outcome
	Stats   *types.PassStats
}

// Sink receives events.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink writing events to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event", string(e.Kind)),
		zap.String("node_id", string(e.Node)),
	}
	if e.RunID != "" {
		fields = append(fields, zap.String("run_id", e.RunID))
	}
	if e.Subject != "" {
		fields = append(fields, zap.String("peer", string(e.Subject)))
	}
	if e.Epoch != 0 {
		fields = append(fields, zap.Uint64("epoch", e.Epoch))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}

	switch {
	case e.Outcome != nil:
		o := e.Outcome
		fields = append(fields,
			zap.String("path", o.Path.String()),
			zap.Stringer("type", o.Type),
			zap.Stringer("outcome", o.Kind),
			zap.String("detail", string(o.Detail)),
			zap.Int64("bytes", o.Bytes),
			zap.Int("pass", o.Pass))
		if o.Err != nil {
			s.logger.Warn("Entry failed", append(fields, zap.Error(o.Err))...)
			return
		}
		s.logger.Debug("Entry processed", fields...)
	case e.Stats != nil:
		st := e.Stats
		fields = append(fields,
			zap.Int("pass", st.Pass),
			zap.Int64("copied", st.Copied),
			zap.Int64("skipped", st.Skipped),
			zap.Int64("failed", st.Failed),
			zap.Int64("bytes", st.Bytes),
			zap.Duration("duration", st.Duration))
		s.logger.Info("Pass finished", fields...)
	case e.Kind == RunRerun:
		s.logger.Info("Starting another pass", fields...)
	case e.Kind == RunDone:
		s.logger.Info("Run finished", fields...)
	case e.Kind == NodeSuspected || e.Kind == NodeDead:
		s.logger.Warn("Membership changed", fields...)
	default:
		s.logger.Info("Membership changed", fields...)
	}
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}

// Closer is implemented by sinks holding resources.
type Closer interface {
	Close() error
}

// Close closes every sink in m that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
