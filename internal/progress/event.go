package progress

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageCrawlPage    Stage = "CRAWL_PAGE"
	StageRetrieveDone Stage = "RETRIEVE_DONE"
)

// Result labels for crawl pages and runs. Retrieval events carry the outcome
// status instead.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Event captures a single milestone of a run.
type Event struct {
	// RunID identifies one command invocation using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter or the hub.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site is the host the URL belongs to.
	Site string
	// URL is the index page or archive the event is about.
	URL string
	// Level is the crawl level for CRAWL_PAGE events.
	Level string
	// Links counts links discovered on a crawled page.
	Links int64
	// Result is ok/failed for pages and runs, or the retrieval status.
	Result string
	// FailStage names the retrieval stage that failed, if any.
	FailStage string
	// Bytes carries the archive size for retrievals.
	Bytes int64
	// Dur captures latency for pages, retrievals, and whole runs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageCrawlPage:
		if e.Level == "" {
			return errors.New("crawl page requires level")
		}
		if e.Result == "" {
			return errors.New("crawl page requires result")
		}
	case StageRetrieveDone:
		if e.URL == "" {
			return errors.New("retrieve done requires url")
		}
		if e.Result == "" {
			return errors.New("retrieve done requires result")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// SiteOf returns the host of rawURL, or "unknown" when it has none.
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
