package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/progress"
)

// SessionSink opens a session row in the cache store as soon as a run starts,
// so the stats command sees in-flight runs. Final counters land later through
// SessionStore.FinishSession once the run and its embedding drain complete;
// the start insert and the finish upsert are safe in either order.
type SessionSink struct {
	store crawler.SessionStore
	log   *zap.Logger
}

// NewSessionSink wires a session store to the sink interface.
func NewSessionSink(store crawler.SessionStore, logger *zap.Logger) *SessionSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionSink{store: store, log: logger}
}

// Consume records a start row for each RUN_START event and ignores the rest.
// A failed insert is logged, not returned; session history is advisory and
// must never stall the event hub.
func (s *SessionSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage != progress.StageRunStart {
			continue
		}
		if err := s.store.StartSession(ctx, evt.Site, evt.RunID, evt.TS); err != nil {
			s.log.Warn("record session start failed",
				zap.String("site", evt.Site),
				zap.String("run_id", evt.RunID),
				zap.Error(err))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *SessionSink) Close(context.Context) error {
	return nil
}
