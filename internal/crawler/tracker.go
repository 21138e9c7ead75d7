package crawler

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultConsecutiveFailures = 3

// visitTracker provides thread-safe visited URL tracking to prevent revisits.
type visitTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newVisitTracker(preload []string) *visitTracker {
	t := &visitTracker{seen: make(map[string]struct{}, len(preload))}
	for _, url := range preload {
		if url != "" {
			t.seen[url] = struct{}{}
		}
	}
	return t
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *visitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[url]; ok {
		return false
	}
	t.seen[url] = struct{}{}
	return true
}

// Snapshot returns the visited URLs in unspecified order.
func (t *visitTracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.seen))
	for url := range t.seen {
		out = append(out, url)
	}
	return out
}

func (t *visitTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// hostHealth pauses a host after consecutive failures. A success resets the
// streak; while paused, workers wait out the cooldown before fetching.
type hostHealth struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  map[string]int
	pausedTo  map[string]time.Time
	clock     Clock
}

func newHostHealth(threshold int, cooldown time.Duration, clock Clock) *hostHealth {
	if threshold <= 0 {
		threshold = defaultConsecutiveFailures
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &hostHealth{
		threshold: threshold,
		cooldown:  cooldown,
		failures:  make(map[string]int),
		pausedTo:  make(map[string]time.Time),
		clock:     clock,
	}
}

// MarkFailure records a failure and returns true when the host just entered
// its cooldown window.
func (h *hostHealth) MarkFailure(host string) bool {
	key := strings.ToLower(host)
	if key == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[key]++
	if h.failures[key] >= h.threshold {
		h.failures[key] = 0
		h.pausedTo[key] = h.clock.Now().Add(h.cooldown)
		return true
	}
	return false
}

// MarkSuccess resets the failure streak for the host.
func (h *hostHealth) MarkSuccess(host string) {
	key := strings.ToLower(host)
	if key == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, key)
}

// PauseRemaining returns how long the host is still cooling down.
func (h *hostHealth) PauseRemaining(host string) time.Duration {
	key := strings.ToLower(host)
	h.mu.Lock()
	until, ok := h.pausedTo[key]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	remaining := until.Sub(h.clock.Now())
	if remaining <= 0 {
		h.mu.Lock()
		delete(h.pausedTo, key)
		h.mu.Unlock()
		return 0
	}
	return remaining
}

// WaitIfPaused blocks until the host's cooldown expires or ctx finishes.
func (h *hostHealth) WaitIfPaused(ctx context.Context, host string) error {
	remaining := h.PauseRemaining(host)
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
