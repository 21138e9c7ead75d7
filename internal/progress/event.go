// Package progress defines the event structures emitted by crawl workers.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StagePageIndexed   Stage = "PAGE_INDEXED"
	StagePageSkipped   Stage = "PAGE_SKIPPED"
	StagePageFailed    Stage = "PAGE_FAILED"
	StagePageNoIndex   Stage = "PAGE_NOINDEX"
	StageHostPaused    Stage = "HOST_PAUSED"
	StageEmbedDeferred Stage = "EMBED_DEFERRED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of crawl progress.
type Event struct {
	// RunID identifies the crawl run that produced the event.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Site is the configured site name the event belongs to.
	Site string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Depth is the frontier depth of the page, starting at zero for seeds.
	Depth int
	// Bytes carries the response size for page events.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures latency for page events and total wall time for RUN_DONE.
	Dur time.Duration
	// Termination records how the run ended; only set on RUN_DONE.
	Termination string
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageHostPaused, StageEmbedDeferred:
	case StageRunDone:
		if e.Termination == "" {
			return errors.New("run done requires termination")
		}
	case StagePageIndexed, StagePageSkipped, StagePageFailed, StagePageNoIndex:
		if e.Site == "" {
			return errors.New("page event requires site")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
