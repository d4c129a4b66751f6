package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// LinkRef is a resolved, absolute URL for an index page or an archive.
type LinkRef string

// String implements fmt.Stringer.
func (l LinkRef) String() string {
	return string(l)
}

// Level identifies one stage of the index hierarchy.
type Level string

// Index levels in crawl order.
const (
	LevelRoots      Level = "roots"
	LevelSubregions Level = "subregions"
	LevelFiles      Level = "files"
)

// Levels lists the crawl stages in the order they run.
var Levels = []Level{LevelRoots, LevelSubregions, LevelFiles}

// FailurePolicy selects how the crawler reacts to an unreachable index page.
type FailurePolicy string

// Supported failure policies.
const (
	// FailurePolicyContinue records the failed page and keeps crawling.
	FailurePolicyContinue FailurePolicy = "continue"
	// FailurePolicyAbort stops the crawl on the first failed page.
	FailurePolicyAbort FailurePolicy = "abort"
)

// ParseFailurePolicy validates a policy name; the empty string selects continue.
func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch FailurePolicy(raw) {
	case "", FailurePolicyContinue:
		return FailurePolicyContinue, nil
	case FailurePolicyAbort:
		return FailurePolicyAbort, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", raw)
	}
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// NodeFailure records an index page that could not be expanded.
type NodeFailure struct {
	Level Level
	Page  LinkRef
	Err   error
}

// Result is the aggregated output of a full crawl.
type Result struct {
	Roots      []LinkRef
	Subregions []LinkRef
	Files      []LinkRef
	Failures   []NodeFailure
}
