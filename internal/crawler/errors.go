package crawler

import (
	"errors"
	"fmt"
)

// ErrQuotaExhausted signals that the embedding provider refused further work
// for quota reasons. It halts embedding dispatch for the rest of the run but
// never fails the crawl itself.
var ErrQuotaExhausted = errors.New("embedding quota exhausted")

// FetchError wraps a failed fetch with enough context to classify it.
// Transient errors (network, timeout, 5xx, 408, 429) are retried with
// backoff; permanent errors (remaining 4xx) skip the page immediately.
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewTransientFetchError builds a retryable FetchError.
func NewTransientFetchError(url string, status int, err error) *FetchError {
	return &FetchError{URL: url, StatusCode: status, Transient: true, Err: err}
}

// NewPermanentFetchError builds a non-retryable FetchError.
func NewPermanentFetchError(url string, status int, err error) *FetchError {
	return &FetchError{URL: url, StatusCode: status, Transient: false, Err: err}
}

// IsTransientFetch reports whether err is a retryable fetch failure.
func IsTransientFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// IsPermanentFetch reports whether err is a non-retryable fetch failure.
func IsPermanentFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && !fe.Transient
}

// ClassifyStatus converts an HTTP status into a FetchError, or nil when the
// status is acceptable. 304 is handled by the caller before classification.
func ClassifyStatus(url string, status int) *FetchError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 408 || status == 429 || status >= 500:
		return NewTransientFetchError(url, status, nil)
	case status >= 400:
		return NewPermanentFetchError(url, status, nil)
	default:
		return NewTransientFetchError(url, status, nil)
	}
}

// ExtractionError marks a page whose content could not be normalized. The
// page is skipped and not cached, so the next run retries it.
type ExtractionError struct {
	URL    string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

// IsExtractionError reports whether err marks unusable page content.
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// StateError wraps a checkpoint persistence failure. It is logged and the
// run continues; a later successful checkpoint supersedes the failed one.
type StateError struct {
	Site string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("persist state for %s: %v", e.Site, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// ConfigError marks an invalid site definition. The site is skipped; the run
// is fatal only when no valid site remains at startup.
type ConfigError struct {
	Site   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("site %q: %s", e.Site, e.Reason)
}

// IsConfigError reports whether err is a site configuration problem.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
