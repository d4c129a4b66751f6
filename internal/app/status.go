package app

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
	"github.com/JakeFAU/climate-archive-crawler/internal/retrieval"
)

// Status is a point-in-time view of a run, served on /v1/status.
type Status struct {
	RunID         string           `json:"run_id"`
	Command       string           `json:"command,omitempty"`
	Running       bool             `json:"running"`
	PagesCrawled  int64            `json:"pages_crawled"`
	PagesFailed   int64            `json:"pages_failed"`
	Retrievals    map[string]int64 `json:"retrievals"`
	BytesFetched  int64            `json:"bytes_fetched"`
	Mirrored      int64            `json:"mirrored"`
	MirrorErrors  int64            `json:"mirror_errors"`
	Published     int64            `json:"published"`
	PublishErrors int64            `json:"publish_errors"`
	DroppedEvents int64            `json:"dropped_events"`
}

// statusTracker is a progress sink that keeps live counters for Status.
type statusTracker struct {
	mu sync.Mutex
	st Status
}

func newStatusTracker(id uuid.UUID) *statusTracker {
	return &statusTracker{st: Status{RunID: id.String(), Retrievals: map[string]int64{}}}
}

func (t *statusTracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			t.st.Running = true
			t.st.Command = evt.Note
		case progress.StageRunDone:
			t.st.Running = false
		case progress.StageCrawlPage:
			t.st.PagesCrawled++
			if evt.Result == progress.ResultFailed {
				t.st.PagesFailed++
			}
		case progress.StageRetrieveDone:
			t.st.Retrievals[evt.Result]++
			if evt.Result == string(retrieval.StatusSuccess) {
				t.st.BytesFetched += evt.Bytes
			}
		}
	}
	return nil
}

func (t *statusTracker) Close(context.Context) error {
	return nil
}

func (t *statusTracker) recordMirror(mirrored, mirrorErrs, published, publishErrs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Mirrored += mirrored
	t.st.MirrorErrors += mirrorErrs
	t.st.Published += published
	t.st.PublishErrors += publishErrs
}

func (t *statusTracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.st
	out.Retrievals = make(map[string]int64, len(t.st.Retrievals))
	for k, v := range t.st.Retrievals {
		out.Retrievals[k] = v
	}
	return out
}
