package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{
			RunID:  runID,
			TS:     now,
			Stage:  progress.StageCrawlPage,
			Level:  "subregions",
			Result: progress.ResultOK,
			Links:  4,
		},
		{
			RunID:  runID,
			TS:     now,
			Stage:  progress.StageCrawlPage,
			Level:  "files",
			Result: progress.ResultFailed,
		},
		{
			RunID:  runID,
			TS:     now.Add(time.Second),
			Stage:  progress.StageRetrieveDone,
			Site:   "climate.example.org",
			URL:    "https://climate.example.org/a/b.zip",
			Result: "success",
			Bytes:  2048,
			Dur:    300 * time.Millisecond,
		},
		{
			RunID:     runID,
			TS:        now.Add(time.Second),
			Stage:     progress.StageRetrieveDone,
			URL:       "https://climate.example.org/a/c.zip",
			Result:    "failure",
			FailStage: "extract",
		},
		{RunID: runID, TS: now.Add(5 * time.Second), Stage: progress.StageRunDone, Result: progress.ResultOK, Dur: 5 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues(progress.ResultOK)))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pagesCrawled.WithLabelValues("subregions", progress.ResultOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pagesCrawled.WithLabelValues("files", progress.ResultFailed)))
	require.InDelta(t, 4.0, testutil.ToFloat64(sink.linksDiscovered.WithLabelValues("subregions")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.retrievals.WithLabelValues("success", "none")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.retrievals.WithLabelValues("failure", "extract")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.bytesDownloaded.WithLabelValues("climate.example.org")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.retrievalDuration, "epwcrawler_retrieval_duration_seconds"))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

// TestLogSinkLevels logs run milestones at info and failures at warn.
func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart},
		{RunID: runID, Stage: progress.StageCrawlPage, Level: "roots", Result: progress.ResultOK},
		{RunID: runID, Stage: progress.StageRetrieveDone, URL: "u", Result: "failure", FailStage: "fetch", Note: "boom"},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.Equal(t, zap.WarnLevel, entries[2].Level)
	require.Equal(t, "fetch", entries[2].ContextMap()["fail_stage"])
	require.Equal(t, "boom", entries[2].ContextMap()["note"])
}
