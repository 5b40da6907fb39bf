// Package redissink is a reference engine.EventSink that publishes every
// event onto a Redis stream, grounded on the teacher's common/redis
// Client.AddToStream helper (the same XAdd wrapper the teacher's worker
// pipeline uses for its own job-progress stream).
package redissink

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/workflowcore/engine"
	"github.com/lyzr/workflowcore/internal/corelog"
)

// Sink publishes engine.Event values to a single Redis stream. Unlike
// engine.ChannelSink, it has no in-memory backpressure policy of its
// own: XAdd against a capped stream (MaxLen) is Redis's own bound, set
// once at construction.
type Sink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	log    *corelog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithMaxLen caps the stream to approximately n entries (Redis trims
// with the approximate "~" form so the trim itself stays cheap).
func WithMaxLen(n int64) Option {
	return func(s *Sink) { s.maxLen = n }
}

// New creates a Sink publishing to the given stream key.
func New(rdb *redis.Client, stream string, log *corelog.Logger, opts ...Option) *Sink {
	if log == nil {
		log = corelog.Noop()
	}
	s := &Sink{rdb: rdb, stream: stream, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit implements engine.EventSink. It runs the XAdd in the background
// with its own short-lived context so a slow or unreachable Redis never
// makes emission block the node that raised the event — the same
// never-block contract engine.ChannelSink.Emit upholds for its
// in-process buffer.
func (s *Sink) Emit(e engine.Event) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		s.log.Error("marshal event payload failed", "event_type", e.Type, "run_id", e.RunID, "error", err)
		return
	}

	values := map[string]any{
		"type":    string(e.Type),
		"run_id":  e.RunID,
		"node_id": e.NodeID,
		"ts_ms":   e.TsMs,
		"payload": string(payload),
	}

	go func() {
		args := &redis.XAddArgs{Stream: s.stream, Values: values}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		if _, err := s.rdb.XAdd(context.Background(), args).Result(); err != nil {
			s.log.Error("redis XADD failed", "stream", s.stream, "event_type", e.Type, "error", err)
		}
	}()
}
