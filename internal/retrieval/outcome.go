package retrieval

import (
	"errors"
	"fmt"
	"time"
)

// Status is the variant of an Outcome.
type Status string

// Outcome variants.
const (
	StatusSkipped Status = "skipped"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Stage names the step of a retrieval that failed.
type Stage string

// Failure stages.
const (
	StageFetch   Stage = "fetch"
	StageWrite   Stage = "write"
	StageExtract Stage = "extract"
)

// Outcome is the result of retrieving one archive URL. Skipped and success
// outcomes carry the data file path; failures carry the stage and cause.
type Outcome struct {
	URL      string
	Status   Status
	Path     string
	Stage    Stage
	Err      error
	Bytes    int64
	Duration time.Duration
}

// Skipped reports a data file that was already materialized.
func Skipped(url, path string) Outcome {
	return Outcome{URL: url, Status: StatusSkipped, Path: path}
}

// Succeeded reports a freshly fetched and extracted data file.
func Succeeded(url, path string, bytes int64) Outcome {
	return Outcome{URL: url, Status: StatusSuccess, Path: path, Bytes: bytes}
}

// Failed reports a retrieval that stopped at stage.
func Failed(url string, stage Stage, err error) Outcome {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Outcome{URL: url, Status: StatusFailure, Stage: stage, Err: err}
}

// Validate checks that exactly one variant is populated.
func (o Outcome) Validate() error {
	switch o.Status {
	case StatusSkipped, StatusSuccess:
		if o.Path == "" {
			return fmt.Errorf("%s outcome for %s has no path", o.Status, o.URL)
		}
		if o.Err != nil || o.Stage != "" {
			return fmt.Errorf("%s outcome for %s carries a failure", o.Status, o.URL)
		}
	case StatusFailure:
		if o.Err == nil {
			return fmt.Errorf("failure outcome for %s has no cause", o.URL)
		}
		if o.Path != "" {
			return fmt.Errorf("failure outcome for %s carries a path", o.URL)
		}
		switch o.Stage {
		case StageFetch, StageWrite, StageExtract:
		default:
			return fmt.Errorf("failure outcome for %s has unknown stage %q", o.URL, o.Stage)
		}
	default:
		return fmt.Errorf("outcome for %s has unknown status %q", o.URL, o.Status)
	}
	return nil
}

// Summary tallies a batch of outcomes.
type Summary struct {
	Total     int
	Skipped   int
	Succeeded int
	Failed    int
	ByStage   map[Stage]int
	Bytes     int64
}

// Summarize counts outcomes by status and failed stage.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes), ByStage: make(map[Stage]int)}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSkipped:
			s.Skipped++
		case StatusSuccess:
			s.Succeeded++
			s.Bytes += o.Bytes
		case StatusFailure:
			s.Failed++
			s.ByStage[o.Stage]++
		}
	}
	return s
}
