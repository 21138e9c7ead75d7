package crawler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func entryURLs(entries []FrontierEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.URL)
	}
	return out
}

func TestFrontierPopsSeedsInOrder(t *testing.T) {
	t.Parallel()

	fr := newFrontier([]FrontierEntry{
		{URL: "https://example.org/a"},
		{URL: "https://example.org/b"},
	})

	first, ok := fr.Pop()
	require.True(t, ok)
	require.Equal(t, "https://example.org/a", first.URL)
	fr.Done()

	second, ok := fr.Pop()
	require.True(t, ok)
	require.Equal(t, "https://example.org/b", second.URL)
	fr.Done()

	_, ok = fr.Pop()
	require.False(t, ok, "drained frontier must report exhaustion")
}

func TestFrontierDepthFirstWithFIFOSiblings(t *testing.T) {
	t.Parallel()

	fr := newFrontier([]FrontierEntry{
		{URL: "https://example.org/seed", Depth: 0},
		{URL: "https://example.org/other", Depth: 0},
	})

	seed, ok := fr.Pop()
	require.True(t, ok)
	require.Equal(t, "https://example.org/seed", seed.URL)

	// Children of the seed jump ahead of the seed's sibling, in document
	// order among themselves.
	fr.PushFront([]FrontierEntry{
		{URL: "https://example.org/seed/1", Depth: 1},
		{URL: "https://example.org/seed/2", Depth: 1},
	})
	fr.Done()

	require.Equal(t, []string{
		"https://example.org/seed/1",
		"https://example.org/seed/2",
		"https://example.org/other",
	}, entryURLs(fr.Snapshot()))
}

func TestFrontierPopBlocksWhileInFlight(t *testing.T) {
	t.Parallel()

	fr := newFrontier([]FrontierEntry{{URL: "https://example.org/a"}})
	_, ok := fr.Pop()
	require.True(t, ok)

	got := make(chan string, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		entry, ok := fr.Pop()
		if ok {
			got <- entry.URL
			fr.Done()
		}
	}()

	// The popper must wait: the in-flight entry may still discover links.
	select {
	case url := <-got:
		t.Fatalf("pop returned %q before the in-flight entry finished", url)
	case <-time.After(50 * time.Millisecond):
	}

	fr.PushFront([]FrontierEntry{{URL: "https://example.org/a/child"}})
	fr.Done()
	wg.Wait()
	require.Equal(t, "https://example.org/a/child", <-got)
}

func TestFrontierAutoClosesWhenIdle(t *testing.T) {
	t.Parallel()

	fr := newFrontier(nil)
	_, ok := fr.Pop()
	require.False(t, ok)

	// Later pops observe the closed state immediately.
	_, ok = fr.Pop()
	require.False(t, ok)
}

func TestFrontierKeepsPushesAfterClose(t *testing.T) {
	t.Parallel()

	fr := newFrontier([]FrontierEntry{{URL: "https://example.org/a"}})
	_, ok := fr.Pop()
	require.True(t, ok)

	fr.Close()
	fr.PushFront([]FrontierEntry{{URL: "https://example.org/a/child"}})
	fr.Done()

	_, ok = fr.Pop()
	require.False(t, ok, "closed frontier must not hand out entries")
	require.Equal(t, []string{"https://example.org/a/child"}, entryURLs(fr.Snapshot()))
}

func TestFrontierConcurrentWorkers(t *testing.T) {
	t.Parallel()

	seed := make([]FrontierEntry, 50)
	for i := range seed {
		seed[i] = FrontierEntry{URL: "https://example.org/p", Depth: i}
	}
	fr := newFrontier(seed)

	var mu sync.Mutex
	popped := 0
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, ok := fr.Pop()
				if !ok {
					return
				}
				mu.Lock()
				popped++
				mu.Unlock()
				fr.Done()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, popped)
	require.Zero(t, fr.Len())
}
