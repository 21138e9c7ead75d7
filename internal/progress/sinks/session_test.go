package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/progress"
)

type recordingSessionStore struct {
	starts []crawler.SessionSummary
	err    error
}

func (r *recordingSessionStore) StartSession(_ context.Context, site, runID string, started time.Time) error {
	if r.err != nil {
		return r.err
	}
	r.starts = append(r.starts, crawler.SessionSummary{Site: site, RunID: runID, Started: started})
	return nil
}

func (r *recordingSessionStore) FinishSession(context.Context, crawler.SessionSummary) error {
	return nil
}

func (r *recordingSessionStore) Sessions(context.Context, string) ([]crawler.SessionSummary, error) {
	return nil, nil
}

// TestSessionSinkRecordsRunStarts verifies only RUN_START events reach the store.
func TestSessionSinkRecordsRunStarts(t *testing.T) {
	t.Parallel()

	store := &recordingSessionStore{}
	sink := NewSessionSink(store, zap.NewNop())

	started := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	batch := []progress.Event{
		{
			RunID: "00000000-0000-0000-0000-000000000003",
			TS:    started,
			Stage: progress.StageRunStart,
			Site:  "kids",
		},
		{
			RunID:       "00000000-0000-0000-0000-000000000003",
			TS:          started.Add(time.Second),
			Stage:       progress.StagePageIndexed,
			Site:        "kids",
			StatusClass: progress.Status2xx,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, store.starts, 1, "page events must not create session rows")
	require.Equal(t, "kids", store.starts[0].Site)
	require.Equal(t, "00000000-0000-0000-0000-000000000003", store.starts[0].RunID)
	require.Equal(t, started, store.starts[0].Started)
}

// TestSessionSinkToleratesStoreErrors verifies a failing store never fails the hub flush.
func TestSessionSinkToleratesStoreErrors(t *testing.T) {
	t.Parallel()

	store := &recordingSessionStore{err: errors.New("database is locked")}
	sink := NewSessionSink(store, zap.NewNop())

	evt := progress.Event{
		RunID: "00000000-0000-0000-0000-000000000004",
		TS:    time.Now(),
		Stage: progress.StageRunStart,
		Site:  "kids",
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))
	require.NoError(t, sink.Close(context.Background()))
}
