package headless

import (
	"context"
	"errors"

	"github.com/kidsearch/crawler/internal/crawler"
)

// ErrDisabled is returned by the Noop fetcher.
var ErrDisabled = errors.New("headless fetching is disabled")

// Noop stands in for the browser fetcher when headless support is turned
// off; every fetch fails so the router keeps the plain client's result.
type Noop struct{}

// NewNoop builds the disabled fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrDisabled
}
