package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
)

// PrometheusSink exports run, crawl, and retrieval metrics via Prometheus.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pagesCrawled    *prometheus.CounterVec
	linksDiscovered *prometheus.CounterVec

	retrievals        *prometheus.CounterVec
	bytesDownloaded   *prometheus.CounterVec
	retrievalDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epwcrawler_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epwcrawler_runs_completed_total",
			Help: "Total runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epwcrawler_runs_active",
			Help: "Current number of active runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epwcrawler_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		pagesCrawled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epwcrawler_pages_crawled_total",
			Help: "Index pages fetched partitioned by level and result.",
		}, []string{"level", "result"}),
		linksDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epwcrawler_links_discovered_total",
			Help: "Links extracted from index pages partitioned by level.",
		}, []string{"level"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epwcrawler_retrievals_total",
			Help: "Archive retrievals partitioned by status and failed stage.",
		}, []string{"status", "stage"}),
		bytesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epwcrawler_bytes_downloaded_total",
			Help: "Archive bytes downloaded per site.",
		}, []string{"site"}),
		retrievalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epwcrawler_retrieval_duration_seconds",
			Help:    "Per-archive retrieval duration partitioned by status.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.pagesCrawled,
		s.linksDiscovered,
		s.retrievals,
		s.bytesDownloaded,
		s.retrievalDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone:
			s.handleRunEvent(evt)
		case progress.StageCrawlPage:
			s.handlePageEvent(evt)
		case progress.StageRetrieveDone:
			s.handleRetrieveEvent(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	if evt.Stage == progress.StageRunStart {
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
		return
	}
	result := evt.Result
	if result == "" {
		result = progress.ResultOK
	}
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	s.pagesCrawled.WithLabelValues(evt.Level, evt.Result).Inc()
	if evt.Links > 0 {
		s.linksDiscovered.WithLabelValues(evt.Level).Add(float64(evt.Links))
	}
}

func (s *PrometheusSink) handleRetrieveEvent(evt progress.Event) {
	stage := evt.FailStage
	if stage == "" {
		stage = "none"
	}
	s.retrievals.WithLabelValues(evt.Result, stage).Inc()
	if evt.Bytes > 0 {
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		s.bytesDownloaded.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.retrievalDuration.WithLabelValues(evt.Result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
