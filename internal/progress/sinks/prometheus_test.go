package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kidsearch/crawler/internal/progress"
)

// TestPrometheusSinkRunLifecycle verifies the run gauges move with start and done events.
func TestPrometheusSinkRunLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := progress.Event{
		RunID: "00000000-0000-0000-0000-000000000001",
		TS:    time.Now(),
		Stage: progress.StageRunStart,
		Site:  "wikipedia",
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start}))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.runsStarted))

	done := start
	done.Stage = progress.StageRunDone
	done.Termination = "completed"
	done.Dur = 3 * time.Second
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done}))
	require.Equal(t, float64(0), testutil.ToFloat64(sink.runsRunning))
}

// TestPrometheusSinkPageDepth verifies indexed pages feed the depth histogram.
func TestPrometheusSinkPageDepth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{
			RunID:       "00000000-0000-0000-0000-000000000002",
			TS:          time.Now(),
			Stage:       progress.StagePageIndexed,
			Site:        "nasa",
			Depth:       2,
			StatusClass: progress.Status2xx,
		},
		{
			RunID: "00000000-0000-0000-0000-000000000002",
			TS:    time.Now(),
			Stage: progress.StageEmbedDeferred,
			Site:  "nasa",
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDepth))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.embedDeferred.WithLabelValues("nasa")))
}

// TestPrometheusSinkDuplicateRegistration ensures a second registration attempt errors.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
